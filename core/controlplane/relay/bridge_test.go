package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordum/tenantgate/core/infra/bus"
	"github.com/cordum/tenantgate/core/jobs"
)

type fakeBus struct {
	subject  string
	queue    string
	handler  func([]byte) error
	received map[string][]byte
}

func (f *fakeBus) Subscribe(subject, queue string, handler func([]byte) error) error {
	f.subject, f.queue, f.handler = subject, queue, handler
	return nil
}

func (f *fakeBus) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if f.received == nil {
		f.received = map[string][]byte{}
	}
	f.received[subject] = data
	if f.handler != nil {
		return f.handler(data)
	}
	return nil
}

func TestBridgeRoundTrip(t *testing.T) {
	fb := &fakeBus{}
	hub := NewHub(4, nil)
	require.NoError(t, Bridge(fb, hub))
	assert.Equal(t, bus.JobUpdateWildcard, fb.subject)
	assert.Empty(t, fb.queue, "every gateway must see every update")

	sub := hub.Subscribe("acme.eu")
	pub := NewNatsPublisher(fb)
	require.NoError(t, pub.Publish(event("acme.eu", "j1", jobs.StatusSucceeded)))

	_, ok := fb.received[bus.JobUpdateSubject("acme.eu")]
	assert.True(t, ok, "published on the tenant subject")

	select {
	case data := <-sub.C():
		var ev jobs.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		assert.Equal(t, "j1", ev.JobID)
	default:
		t.Fatalf("bridged event not delivered")
	}
}

func TestBridgeRejectsBadMessages(t *testing.T) {
	fb := &fakeBus{}
	hub := NewHub(4, nil)
	require.NoError(t, Bridge(fb, hub))
	assert.Error(t, fb.handler([]byte("not json")))
	assert.Error(t, fb.handler([]byte(`{"job_id":"j1"}`)))
}
