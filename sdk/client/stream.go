package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordum/tenantgate/core/controlplane/relay"
	"github.com/cordum/tenantgate/core/jobs"
	"github.com/cordum/tenantgate/core/tenant"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StatePermanentlyDisconnected is final: MaxAttempts consecutive
	// failures happened and the stream gave up.
	StatePermanentlyDisconnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePermanentlyDisconnected:
		return "permanently_disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var ErrPermanentlyDisconnected = errors.New("stream permanently disconnected")

// Conn is the subset of *websocket.Conn the stream uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Conn, error)
}

type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type wsDialer struct {
	d *websocket.Dialer
}

// DialContext moves offered subprotocols from header onto the dialer so the
// handshake negotiates them.
func (w wsDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, error) {
	d := *w.d
	header = header.Clone()
	d.Subprotocols = header.Values("Sec-WebSocket-Protocol")
	header.Del("Sec-WebSocket-Protocol")
	conn, resp, err := d.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

type StreamOptions struct {
	// URL is the ws:// or wss:// address of /api/v1/stream.
	URL    string
	APIKey string
	Host   string

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	Dialer Dialer
	Clock  Clock
	// Jitter perturbs each computed delay. Defaults to up to +20%.
	Jitter func(time.Duration) time.Duration
	// OnState observes every state change; err is set on failures.
	OnState func(state State, err error)
}

// Stream is a receive-only job_update subscription that reconnects after
// unexpected closes with linear backoff: min(BaseDelay*attempt, MaxDelay).
// A normal closure from either side ends it without reconnecting.
type Stream struct {
	opts StreamOptions

	mu     sync.Mutex
	state  State
	conn   Conn
	closed bool
	done   chan struct{}
}

func NewStream(opts StreamOptions) *Stream {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = 30 * opts.BaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.Dialer == nil {
		opts.Dialer = wsDialer{d: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Jitter == nil {
		opts.Jitter = func(d time.Duration) time.Duration {
			return d + rand.N(d/5+1)
		}
	}
	return &Stream{opts: opts, done: make(chan struct{})}
}

// Backoff is the delay before the reconnect that follows the attempt-th
// consecutive failure, before jitter.
func (s *Stream) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.opts.BaseDelay * time.Duration(attempt)
	if d > s.opts.MaxDelay || d <= 0 {
		return s.opts.MaxDelay
	}
	return d
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) setState(st State, err error) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.opts.OnState != nil {
		s.opts.OnState(st, err)
	}
}

func (s *Stream) header() http.Header {
	h := http.Header{}
	protos := []string{relay.Subprotocol}
	if s.opts.APIKey != "" {
		protos = append(protos, tenant.SubprotocolAPIKeyPrefix+base64.RawURLEncoding.EncodeToString([]byte(s.opts.APIKey)))
	}
	for _, p := range protos {
		h.Add("Sec-WebSocket-Protocol", p)
	}
	if s.opts.Host != "" {
		h.Set("Host", s.opts.Host)
	}
	return h
}

// Run connects and delivers events to handle until ctx ends, Close is
// called, the server closes normally, or reconnection gives up. Events
// published while disconnected are lost; callers reconcile by polling on
// StateConnected.
func (s *Stream) Run(ctx context.Context, handle func(jobs.Event)) error {
	attempt := 0
	for {
		if s.isClosed() {
			s.setState(StateDisconnected, nil)
			return nil
		}
		s.setState(StateConnecting, nil)
		conn, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, s.header())
		if err == nil {
			attempt = 0
			if !s.attach(conn) {
				_ = conn.Close()
				s.setState(StateDisconnected, nil)
				return nil
			}
			s.setState(StateConnected, nil)
			err = s.read(ctx, conn, handle)
			s.detach()
			_ = conn.Close()
			if s.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.setState(StateDisconnected, nil)
				return nil
			}
		}
		if ctx.Err() != nil {
			s.setState(StateDisconnected, ctx.Err())
			return ctx.Err()
		}

		attempt++
		if attempt >= s.opts.MaxAttempts {
			s.setState(StatePermanentlyDisconnected, err)
			return fmt.Errorf("%w after %d attempts: %v", ErrPermanentlyDisconnected, attempt, err)
		}
		s.setState(StateDisconnected, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-s.opts.Clock.After(s.opts.Jitter(s.Backoff(attempt))):
		}
	}
}

func (s *Stream) read(ctx context.Context, conn Conn, handle func(jobs.Event)) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev jobs.Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.JobID == "" {
			continue
		}
		if handle != nil {
			handle(ev)
		}
	}
}

func (s *Stream) attach(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	return true
}

func (s *Stream) detach() {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close ends the stream with a normal closure; Run returns nil and does not
// reconnect.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}
