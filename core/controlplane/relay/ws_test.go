package relay

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordum/tenantgate/core/jobs"
	"github.com/cordum/tenantgate/core/tenant"
)

// withTenant stands in for the tenant middleware: ?tenant=<id> resolves.
func withTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("tenant"); id != "" {
			res := tenant.Resolution{Tenant: &tenant.Tenant{ID: id, Status: tenant.StatusActive}, Source: tenant.SourceAPIKey}
			r = r.WithContext(tenant.WithResolution(r.Context(), res))
		}
		next.ServeHTTP(w, r)
	})
}

func newStreamServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(withTenant(NewStreamHandler(hub, nil)))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, tenantID string, protocols ...string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?tenant=" + tenantID
	d := websocket.Dialer{Subprotocols: protocols, HandshakeTimeout: 2 * time.Second}
	conn, _, err := d.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitSubscribers(t *testing.T, hub *Hub, tenantID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Subscribers(tenantID) == n },
		2*time.Second, 5*time.Millisecond, "want %d subscribers for %s", n, tenantID)
}

func TestStreamDeliversTenantEvents(t *testing.T) {
	hub := NewHub(8, nil)
	srv := newStreamServer(t, hub)
	c1 := dial(t, srv, "t1")
	c2 := dial(t, srv, "t2")
	waitSubscribers(t, hub, "t1", 1)
	waitSubscribers(t, hub, "t2", 1)

	require.NoError(t, hub.Publish(event("t2", "other", jobs.StatusRunning)))
	require.NoError(t, hub.Publish(event("t1", "mine", jobs.StatusRunning)))
	require.NoError(t, hub.Publish(event("t1", "mine", jobs.StatusSucceeded)))

	var got []jobs.Event
	_ = c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(got) < 2 {
		var ev jobs.Event
		require.NoError(t, c1.ReadJSON(&ev))
		got = append(got, ev)
	}
	assert.Equal(t, "mine", got[0].JobID)
	assert.Equal(t, jobs.StatusRunning, got[0].Status)
	assert.Equal(t, jobs.StatusSucceeded, got[1].Status)
	assert.Equal(t, jobs.EventJobUpdate, got[1].Type)

	var ev jobs.Event
	_ = c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, c2.ReadJSON(&ev))
	assert.Equal(t, "other", ev.JobID)
}

func TestStreamDisconnectUnsubscribes(t *testing.T) {
	hub := NewHub(8, nil)
	srv := newStreamServer(t, hub)
	conn := dial(t, srv, "t1")
	waitSubscribers(t, hub, "t1", 1)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	_ = conn.Close()
	waitSubscribers(t, hub, "t1", 0)
	assert.Equal(t, 0, hub.Len())
}

func TestStreamHubCloseSendsGoingAway(t *testing.T) {
	hub := NewHub(8, nil)
	srv := newStreamServer(t, hub)
	conn := dial(t, srv, "t1")
	waitSubscribers(t, hub, "t1", 1)

	hub.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
}

func TestStreamSubprotocolAndMissingTenant(t *testing.T) {
	hub := NewHub(8, nil)
	srv := newStreamServer(t, hub)
	conn := dial(t, srv, "t1", Subprotocol, tenant.SubprotocolAPIKeyPrefix+"a2V5")
	assert.Equal(t, Subprotocol, conn.Subprotocol())

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
