package socket

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tokenfeed/internal/eventbus"
	"tokenfeed/internal/metrics"
	"tokenfeed/internal/protocol"
	"tokenfeed/internal/registry"
	"tokenfeed/logger"
)

var errConnClosed = errors.New("use of closed network connection")

type fakeTimer struct {
	s       *fakeScheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fire runs the callback unless the timer was stopped. Stale callbacks can be
// forced with force to emulate a timer racing with Stop.
func (t *fakeTimer) fire(force bool) {
	t.s.mu.Lock()
	if t.fired || (t.stopped && !force) {
		t.s.mu.Unlock()
		return
	}
	t.fired = true
	t.s.mu.Unlock()
	t.f()
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// scheduled returns every timer ever created with duration d, active or not.
func (s *fakeScheduler) scheduled(d time.Duration) []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if t.d == d {
			out = append(out, t)
		}
	}
	return out
}

// active returns pending timers, optionally filtered by duration.
func (s *fakeScheduler) active(d time.Duration) []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if t.stopped || t.fired {
			continue
		}
		if d == 0 || t.d == d {
			out = append(out, t)
		}
	}
	return out
}

func (s *fakeScheduler) durationsExcept(skip ...time.Duration) []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
outer:
	for _, t := range s.timers {
		for _, d := range skip {
			if t.d == d {
				continue outer
			}
		}
		out = append(out, t.d)
	}
	return out
}

type written struct {
	messageType int
	data        []byte
}

type fakeConn struct {
	mu        sync.Mutex
	writes    []written
	inbound   chan []byte
	failures  chan error
	closed    chan struct{}
	closeOnce sync.Once
	failWrite error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 16),
		failures: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case err := <-c.failures:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite != nil {
		return c.failWrite
	}
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.writes = append(c.writes, written{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) textFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, w := range c.writes {
		if w.messageType == websocket.TextMessage {
			out = append(out, string(w.data))
		}
	}
	return out
}

func (c *fakeConn) hasCloseFrame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.writes {
		if w.messageType == websocket.CloseMessage {
			return true
		}
	}
	return false
}

// fakeDialer hands out scripted results in order. Once the script runs out it
// keeps returning the last entry. A nil conn with nil err blocks until the dial
// context is cancelled.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	urls    []string
}

type dialResult struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	var r dialResult
	if len(d.results) > 0 {
		r = d.results[0]
		if len(d.results) > 1 {
			d.results = d.results[1:]
		}
	}
	d.mu.Unlock()

	if r.conn == nil && r.err == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func quietLogger() *logger.Log {
	log := logger.Logger()
	log.SetOutput(io.Discard)
	return log
}

type harness struct {
	client  *Client
	sched   *fakeScheduler
	dialer  *fakeDialer
	reports chan metrics.Exhaustion
	errs    chan error
	events  chan string
}

func newHarness(t *testing.T, proto protocol.Protocol, cfg Config, results ...dialResult) *harness {
	t.Helper()
	h := &harness{
		sched:   &fakeScheduler{},
		dialer:  &fakeDialer{results: results},
		reports: make(chan metrics.Exhaustion, 4),
		errs:    make(chan error, 32),
		events:  make(chan string, 32),
	}
	if cfg.URL == "" {
		cfg.URL = "wss://stream.example.com/ws"
	}
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	log := quietLogger()
	client, err := New(cfg, proto, registry.New(), eventbus.New(log),
		WithDialer(h.dialer),
		WithScheduler(h.sched),
		WithLogger(log),
		WithReporter(func(e metrics.Exhaustion) { h.reports <- e }),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	h.client = client

	eventbus.Subscribe(client.Bus(), eventbus.Errors, func(err error) { h.errs <- err })
	eventbus.Subscribe(client.Bus(), TopicConnected, func(Connected) { h.events <- "connected" })
	eventbus.Subscribe(client.Bus(), TopicDisconnected, func(d Disconnected) { h.events <- "disconnected:" + d.Reason })
	t.Cleanup(client.Disconnect)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expectEvent(t *testing.T, events <-chan string, want string) {
	t.Helper()
	select {
	case got := <-events:
		if got != want {
			t.Fatalf("expected event %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event %q", want)
	}
}
