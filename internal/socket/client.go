// Package socket implements a reconnecting WebSocket client whose wire dialect
// is supplied by a protocol.Protocol. The client keeps the server in sync with
// a subscription registry across reconnects and publishes decoded frames on an
// event bus.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tokenfeed/internal/backoff"
	"tokenfeed/internal/eventbus"
	"tokenfeed/internal/metrics"
	"tokenfeed/internal/protocol"
	"tokenfeed/internal/registry"
	"tokenfeed/logger"
	"tokenfeed/models"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a snapshot of a client for operators.
type Status struct {
	Name          string                  `json:"name"`
	Protocol      string                  `json:"protocol"`
	URL           string                  `json:"url"`
	State         string                  `json:"state"`
	Attempt       int                     `json:"attempt"`
	Unavailable   bool                    `json:"unavailable"`
	Session       string                  `json:"session,omitempty"`
	LastReason    string                  `json:"last_disconnect_reason,omitempty"`
	Subscriptions []registry.Subscription `json:"subscriptions"`
}

// Client is a reconnecting WebSocket client. All methods are safe for
// concurrent use and never block on the network except Send, Subscribe and
// Unsubscribe, which write at most a few frames bounded by the write timeout.
type Client struct {
	cfg    Config
	proto  protocol.Protocol
	reg    *registry.Registry
	bus    *eventbus.Bus
	dialer Dialer
	sched  Scheduler
	log    *logger.Log
	report Reporter

	warnLimiter *rate.Limiter
	now         func() time.Time

	// writeMu serialises frames on the connection and orders registry changes
	// against reconciliation. It is always acquired before mu.
	writeMu sync.Mutex

	mu              sync.Mutex
	state           State
	attempt         int
	shouldReconnect bool
	manual          bool
	unavailable     bool
	creds           *models.Credentials
	gen             uint64
	session         string
	lastReason      string
	conn            Conn
	cancelDial      context.CancelFunc
	timeoutTimer    Timer
	heartbeatTimer  Timer
	backoffTimer    Timer
}

// New validates the configuration and builds an idle client. A nil registry or
// bus is replaced with a fresh one.
func New(cfg Config, proto protocol.Protocol, reg *registry.Registry, bus *eventbus.Bus, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, cfg.URL)
	}
	if proto == nil {
		return nil, ErrNilProtocol
	}
	if reg == nil {
		reg = registry.New()
	}

	c := &Client{
		cfg:         cfg.withDefaults(),
		proto:       proto,
		reg:         reg,
		log:         logger.GetLogger(),
		sched:       realScheduler{},
		now:         time.Now,
		warnLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if bus == nil {
		bus = eventbus.New(c.log)
	}
	c.bus = bus
	if c.dialer == nil {
		c.dialer = newWSDialer(c.cfg)
	}
	if c.report == nil {
		log := c.log
		c.report = func(e metrics.Exhaustion) { metrics.ReportExhaustion(log, e) }
	}

	metrics.SetConnectionState(c.cfg.Name, int(StateIdle))
	return c, nil
}

func (c *Client) entry() *logger.Entry {
	return c.log.WithComponent("socket").WithClient(c.cfg.Name).WithField("protocol", c.proto.Name())
}

// warn logs at warning level at most once per limiter interval and at debug
// level otherwise.
func (c *Client) warn(entry *logger.Entry, msg string) {
	if c.warnLimiter.Allow() {
		entry.Warn(msg)
		return
	}
	entry.Debug(msg)
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	metrics.SetConnectionState(c.cfg.Name, int(s))
}

// Name returns the configured client name.
func (c *Client) Name() string { return c.cfg.Name }

// Bus returns the bus the client publishes on.
func (c *Client) Bus() *eventbus.Bus { return c.bus }

// Registry returns the desired subscription set.
func (c *Client) Registry() *registry.Registry { return c.reg }

// Protocol returns the wire dialect.
func (c *Client) Protocol() protocol.Protocol { return c.proto }

// Connect starts connecting in the background. It does nothing while a
// connection is being established or is open. Credentials replace the stored
// ones when non-nil.
func (c *Client) Connect(creds *models.Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnecting || c.state == StateOpen {
		return
	}
	if creds != nil {
		c.creds = creds
	}
	if c.unavailable || c.manual || !c.shouldReconnect {
		c.attempt = 0
	}
	c.unavailable = false
	c.manual = false
	c.shouldReconnect = true
	stopTimer(&c.backoffTimer)

	c.performConnectLocked()
}

func (c *Client) performConnectLocked() {
	c.gen++
	gen := c.gen
	c.session = uuid.NewString()
	c.setStateLocked(StateConnecting)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.timeoutTimer = c.sched.AfterFunc(c.cfg.ConnectionTimeout, func() {
		c.handleClose(gen, "Connection timeout", ErrConnectionTimeout)
	})

	c.entry().WithFields(logger.Fields{
		"session": c.session,
		"attempt": c.attempt,
	}).Info("connecting")

	go c.dial(ctx, gen, c.creds)
}

func (c *Client) dial(ctx context.Context, gen uint64, creds *models.Credentials) {
	endpoint, err := c.proto.Endpoint(c.cfg.URL, creds)
	if err != nil {
		c.closeWith(gen, "Invalid endpoint", err, false)
		return
	}
	conn, err := c.dialer.Dial(ctx, endpoint)
	if err != nil {
		c.handleClose(gen, "Dial failed", err)
		return
	}
	c.handleOpen(gen, conn)
}

func (c *Client) handleOpen(gen uint64, conn Conn) {
	c.writeMu.Lock()
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		c.writeMu.Unlock()
		conn.Close()
		return
	}
	stopTimer(&c.timeoutTimer)
	c.cancelDial = nil
	c.conn = conn
	c.attempt = 0
	c.unavailable = false
	c.setStateLocked(StateOpen)
	c.armHeartbeatLocked(gen)
	session := c.session
	c.mu.Unlock()

	desired := c.reg.Snapshot()
	frames, buildErr := c.proto.ReconcileFrames(desired)
	var writeErr error
	if buildErr == nil {
		for _, frame := range frames {
			if writeErr = c.write(conn, frame); writeErr != nil {
				break
			}
		}
	}
	c.writeMu.Unlock()

	if buildErr != nil {
		c.entry().WithError(buildErr).Error("failed to build reconcile frames")
		eventbus.Publish(c.bus, eventbus.Errors, error(fmt.Errorf("%s: reconcile: %w", c.cfg.Name, buildErr)))
	}
	if writeErr != nil {
		c.handleClose(gen, "Reconcile failed", writeErr)
		return
	}

	c.entry().WithFields(logger.Fields{
		"session":       session,
		"subscriptions": len(desired),
		"frames":        len(frames),
	}).Info("connected")

	eventbus.Publish(c.bus, TopicConnected, Connected{Client: c.cfg.Name, Session: session, URL: c.cfg.URL})

	go c.readLoop(gen, conn)
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, closeReason(err), err)
			return
		}
		if !c.current(gen) {
			return
		}
		logger.RecordChannelMessage(c.cfg.Name, len(data))
		c.dispatch(data)
	}
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && c.state == StateOpen
}

func (c *Client) dispatch(data []byte) {
	frame, err := c.proto.Decode(data)
	if err != nil {
		c.warn(c.entry().WithError(err).WithField("bytes", len(data)), "dropping malformed frame")
		metrics.IncrementDroppedFrame(c.cfg.Name)
		metrics.EmitDropMetric(c.log, metrics.DropMetricMalformedFrame, c.cfg.Name, c.proto.Name(), "")
		eventbus.Publish(c.bus, eventbus.Errors, error(&ProtocolError{Client: c.cfg.Name, Err: err}))
		return
	}

	frame.StampMissing(models.MillisFrom(c.now()))
	metrics.IncrementFrame(c.cfg.Name, frame.Kind.String())
	logger.LogDataFlowEntry(c.entry(), "socket", "bus", 1, frame.Kind.String())

	switch frame.Kind {
	case protocol.FramePrice:
		eventbus.Publish(c.bus, TopicPrice, *frame.Price)
	case protocol.FrameBalance:
		eventbus.Publish(c.bus, TopicBalance, *frame.Balance)
	case protocol.FrameToken:
		eventbus.Publish(c.bus, TopicToken, *frame.Token)
	case protocol.FrameSubscriptionConfirmed:
		eventbus.Publish(c.bus, TopicConfirmed, frame.Confirmed)
	case protocol.FramePong:
		eventbus.Publish(c.bus, TopicPong, struct{}{})
	default:
		eventbus.Publish(c.bus, TopicMessage, Message{Client: c.cfg.Name, Type: frame.Type, Raw: frame.Raw})
	}
}

// handleClose ends the connection identified by gen and decides whether to
// reconnect. Calls for a superseded generation are ignored.
func (c *Client) handleClose(gen uint64, reason string, cause error) {
	c.closeWith(gen, reason, cause, true)
}

// closeWith is handleClose with control over retrying. A failure that would
// repeat on every attempt, such as an endpoint the protocol cannot build,
// marks the client unavailable without spending the backoff schedule.
func (c *Client) closeWith(gen uint64, reason string, cause error, retryable bool) {
	c.mu.Lock()
	if gen != c.gen || (c.state != StateConnecting && c.state != StateOpen) {
		c.mu.Unlock()
		return
	}
	c.gen++
	stopTimer(&c.timeoutTimer)
	stopTimer(&c.heartbeatTimer)
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn := c.conn
	c.conn = nil
	c.lastReason = reason
	c.setStateLocked(StateClosed)
	session := c.session

	var delay time.Duration
	retry := retryable && backoff.ShouldRetry(c.attempt, c.cfg.MaxReconnectAttempts, c.shouldReconnect)
	exhausted, fatal := false, false
	if !retryable {
		c.unavailable = c.shouldReconnect
		fatal = true
	} else if retry {
		c.attempt++
		delay = backoff.NextDelay(c.attempt, c.cfg.ReconnectDelay, c.cfg.MaxReconnectDelay, c.cfg.BackoffMultiplier)
		next := c.gen
		c.backoffTimer = c.sched.AfterFunc(delay, func() { c.retry(next) })
	} else if c.shouldReconnect {
		c.unavailable = true
		exhausted = true
	}
	attempts := c.attempt
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	entry := c.entry().WithFields(logger.Fields{
		"session": session,
		"reason":  reason,
		"attempt": attempts,
	})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	switch {
	case fatal:
		entry.Error("connection abandoned; not retrying")
	case retry:
		metrics.IncrementReconnect(c.cfg.Name)
		entry.WithField("delay_ms", delay.Milliseconds()).Warn("connection closed; reconnect scheduled")
	default:
		entry.Warn("connection closed")
	}

	eventbus.Publish(c.bus, TopicDisconnected, Disconnected{Client: c.cfg.Name, Reason: reason, Err: cause})
	if fatal {
		eventbus.Publish(c.bus, eventbus.Errors, error(&EndpointError{Client: c.cfg.Name, Err: cause}))
	} else if cause != nil && !isNormalClose(cause) {
		eventbus.Publish(c.bus, eventbus.Errors, error(&TransportError{Client: c.cfg.Name, Reason: reason, Err: cause}))
	}

	if exhausted {
		c.report(metrics.Exhaustion{
			Client:   c.cfg.Name,
			URL:      c.cfg.URL,
			Reason:   reason,
			Attempts: attempts,
			Session:  session,
		})
		eventbus.Publish(c.bus, eventbus.Errors, error(&ExhaustedError{
			Client:   c.cfg.Name,
			URL:      c.cfg.URL,
			Reason:   reason,
			Attempts: attempts,
			Err:      cause,
		}))
	}
}

func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.shouldReconnect || c.state != StateClosed {
		return
	}
	c.backoffTimer = nil
	c.performConnectLocked()
}

func (c *Client) armHeartbeatLocked(gen uint64) {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	c.heartbeatTimer = c.sched.AfterFunc(c.cfg.HeartbeatInterval, func() { c.beat(gen) })
}

func (c *Client) beat(gen uint64) {
	c.writeMu.Lock()
	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return
	}
	conn := c.conn
	c.armHeartbeatLocked(gen)
	c.mu.Unlock()

	err := c.write(conn, c.proto.Ping())
	c.writeMu.Unlock()

	if err != nil {
		c.handleClose(gen, "Heartbeat failed", err)
	}
}

// write sends one text frame. writeMu must be held.
func (c *Client) write(conn Conn, data []byte) error {
	if c.cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Send writes payload when the connection is open. Frames are never queued:
// while disconnected it returns ErrNotConnected.
func (c *Client) Send(payload []byte) error {
	c.writeMu.Lock()
	c.mu.Lock()
	open := c.state == StateOpen && c.conn != nil
	conn, gen := c.conn, c.gen
	c.mu.Unlock()

	if !open {
		c.writeMu.Unlock()
		c.warn(c.entry().WithField("bytes", len(payload)), "send while not connected; frame dropped")
		metrics.EmitDropMetric(c.log, metrics.DropMetricSendWhileClosed, c.cfg.Name, c.proto.Name(), "")
		return ErrNotConnected
	}

	err := c.write(conn, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.handleClose(gen, "Write failed", err)
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// SendJSON marshals v and sends it.
func (c *Client) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.Send(data)
}

// Subscribe records interest in sub. When sub is new to the desired set and
// the connection is open the protocol's subscribe frames are sent.
func (c *Client) Subscribe(sub registry.Subscription) error {
	if !c.proto.Supports(sub.Kind) {
		return fmt.Errorf("%s: %w: %s", c.proto.Name(), protocol.ErrUnsupportedKind, sub.Kind)
	}

	c.writeMu.Lock()
	if !c.reg.Add(sub) {
		c.writeMu.Unlock()
		return nil
	}
	gen, failed, err := c.transmitLocked(func(desired []registry.Subscription) ([][]byte, error) {
		return c.proto.SubscribeFrames(sub, desired)
	})
	c.writeMu.Unlock()

	return c.afterTransmit(gen, failed, err)
}

// Unsubscribe drops one interest in sub. When sub leaves the desired set and
// the connection is open the protocol's unsubscribe frames are sent.
func (c *Client) Unsubscribe(sub registry.Subscription) error {
	c.writeMu.Lock()
	if !c.reg.Remove(sub) {
		c.writeMu.Unlock()
		return nil
	}
	gen, failed, err := c.transmitLocked(func(desired []registry.Subscription) ([][]byte, error) {
		return c.proto.UnsubscribeFrames(sub, desired)
	})
	c.writeMu.Unlock()

	return c.afterTransmit(gen, failed, err)
}

// transmitLocked sends the frames produced by build when the connection is
// open. failed reports a transport write failure. writeMu must be held.
func (c *Client) transmitLocked(build func([]registry.Subscription) ([][]byte, error)) (gen uint64, failed bool, err error) {
	c.mu.Lock()
	open := c.state == StateOpen && c.conn != nil
	conn := c.conn
	gen = c.gen
	c.mu.Unlock()

	if !open {
		return gen, false, nil
	}

	frames, err := build(c.reg.Snapshot())
	if err != nil {
		return gen, false, err
	}
	for _, frame := range frames {
		if err := c.write(conn, frame); err != nil {
			return gen, true, err
		}
	}
	return gen, false, nil
}

func (c *Client) afterTransmit(gen uint64, failed bool, err error) error {
	if err == nil {
		return nil
	}
	if failed {
		c.handleClose(gen, "Write failed", err)
		return fmt.Errorf("send subscription: %w", err)
	}
	return err
}

// Disconnect closes the connection and cancels every pending timer before
// returning. The client stays idle until Connect is called again.
func (c *Client) Disconnect() {
	c.writeMu.Lock()
	c.mu.Lock()
	prev := c.state
	wasManual := c.manual
	c.shouldReconnect = false
	c.manual = true
	c.unavailable = false
	c.gen++
	gen := c.gen
	stopTimer(&c.timeoutTimer)
	stopTimer(&c.heartbeatTimer)
	stopTimer(&c.backoffTimer)
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn := c.conn
	c.conn = nil
	if conn != nil {
		c.setStateLocked(StateClosing)
	}
	c.lastReason = ReasonManual
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, ReasonManual)
		if c.cfg.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		}
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		conn.Close()
	}
	c.writeMu.Unlock()

	c.mu.Lock()
	if c.gen == gen {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()

	if prev == StateIdle || wasManual {
		return
	}
	c.entry().Info("disconnected manually")
	eventbus.Publish(c.bus, TopicDisconnected, Disconnected{Client: c.cfg.Name, Reason: ReasonManual})
}

// AwaitOpen blocks until the client is open, an error is published, or ctx is
// done. Without a deadline on ctx the connection timeout applies.
func (c *Client) AwaitOpen(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
		defer cancel()
	}

	result := make(chan error, 1)
	deliver := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	connID := eventbus.Once(c.bus, TopicConnected, func(Connected) { deliver(nil) })
	errID := eventbus.Once(c.bus, eventbus.Errors, func(err error) { deliver(err) })
	defer c.bus.Unsubscribe(connID)
	defer c.bus.Unsubscribe(errID)

	if c.IsConnected() {
		return nil
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connection is open.
func (c *Client) IsConnected() bool {
	return c.State() == StateOpen
}

// Attempt returns the number of reconnects since the last successful open.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Unavailable reports whether reconnecting was abandoned. It stays set until
// the next Connect.
func (c *Client) Unavailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unavailable
}

// Status returns a snapshot for operators.
func (c *Client) Status() Status {
	c.mu.Lock()
	s := Status{
		Name:        c.cfg.Name,
		Protocol:    c.proto.Name(),
		URL:         c.cfg.URL,
		State:       c.state.String(),
		Attempt:     c.attempt,
		Unavailable: c.unavailable,
		Session:     c.session,
		LastReason:  c.lastReason,
	}
	c.mu.Unlock()
	s.Subscriptions = c.reg.Snapshot()
	return s
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return ce.Text
		}
		return fmt.Sprintf("Connection closed (%d)", ce.Code)
	}
	return "Connection lost"
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
