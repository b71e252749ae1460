// Package watch adapts a socket client to per-key callbacks. One handler is
// kept per key; the most recent Watch wins while watchers are ref-counted so
// the wire subscription lives until the last Unwatch.
package watch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tokenfeed/internal/eventbus"
	"tokenfeed/internal/metrics"
	"tokenfeed/internal/registry"
	"tokenfeed/internal/series"
	"tokenfeed/internal/socket"
	"tokenfeed/logger"
	"tokenfeed/models"
)

// Wildcard watches every token of the token feed.
const Wildcard = "*"

var (
	ErrClosed       = errors.New("watch adapter is closed")
	ErrWildcard     = errors.New("wildcard watch is only supported for the token feed")
	ErrEmptyKey     = errors.New("watch key is required")
	ErrNilHandler   = errors.New("watch handler is required")
	ErrHandlerPanic = errors.New("watch handler panicked")
)

// Handler receives the latest value for a key.
type Handler func(value decimal.Decimal, ts time.Time)

// Client is the part of socket.Client the adapter needs.
type Client interface {
	Subscribe(sub registry.Subscription) error
	Unsubscribe(sub registry.Subscription) error
	Connect(creds *models.Credentials)
	IsConnected() bool
	Bus() *eventbus.Bus
}

// CredentialsProvider supplies credentials for the lazy first connect.
type CredentialsProvider func() (*models.Credentials, error)

// Option customises an Adapter.
type Option func(*Adapter)

// WithBuffer merges every delivered update into buf before the handler runs.
func WithBuffer(buf *series.Buffer) Option {
	return func(a *Adapter) { a.buffer = buf }
}

// WithCredentials sets the provider used on the first Watch.
func WithCredentials(p CredentialsProvider) Option {
	return func(a *Adapter) { a.creds = p }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Log) Option {
	return func(a *Adapter) { a.log = log }
}

// Adapter serves one subscription kind of one client.
type Adapter struct {
	client Client
	kind   registry.Kind
	buffer *series.Buffer
	creds  CredentialsProvider
	log    *logger.Log

	// opMu serialises watcher count changes with their wire side effects.
	opMu sync.Mutex

	mu           sync.Mutex
	handlers     map[string]Handler
	watchers     map[string]int
	bootstrapped bool
	closed       bool
	listeners    []eventbus.SubscriptionID
}

// New attaches an adapter for kind to client's event bus.
func New(client Client, kind registry.Kind, opts ...Option) *Adapter {
	a := &Adapter{
		client:   client,
		kind:     kind,
		log:      logger.GetLogger(),
		handlers: make(map[string]Handler),
		watchers: make(map[string]int),
	}
	for _, opt := range opts {
		opt(a)
	}

	bus := client.Bus()
	switch kind {
	case registry.KindPrice:
		a.listeners = append(a.listeners, eventbus.Subscribe(bus, socket.TopicPrice, func(u models.PriceUpdate) {
			a.deliver(u.Token, u.Point())
		}))
	case registry.KindBalance:
		a.listeners = append(a.listeners, eventbus.Subscribe(bus, socket.TopicBalance, func(u models.BalanceUpdate) {
			a.deliver(u.Wallet, u.Point())
		}))
	case registry.KindTokenFeed:
		a.listeners = append(a.listeners, eventbus.Subscribe(bus, socket.TopicToken, func(u models.TokenUpdate) {
			a.deliver(u.Address, u.Point())
		}))
	}
	return a
}

func (a *Adapter) entry() *logger.Entry {
	return a.log.WithComponent("watch").WithField("kind", string(a.kind))
}

// subscription maps a watch key to its wire subscription. Every token address
// shares the single token feed.
func (a *Adapter) subscription(key string) registry.Subscription {
	if a.kind == registry.KindTokenFeed {
		return registry.TokenFeed()
	}
	return registry.Subscription{Kind: a.kind, Key: key}
}

// Entity is the series buffer key under which updates for key are merged.
func (a *Adapter) Entity(key string) string {
	return string(a.kind) + ":" + key
}

// Watch installs handler for key, replacing any previous handler, and counts
// one more watcher. Only the first watcher of a key subscribes on the wire and
// the first Watch of the adapter connects the client.
func (a *Adapter) Watch(key string, handler Handler) error {
	if key == "" {
		return ErrEmptyKey
	}
	if handler == nil {
		return ErrNilHandler
	}
	if key == Wildcard && a.kind != registry.KindTokenFeed {
		return ErrWildcard
	}

	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.handlers[key] = handler
	a.watchers[key]++
	first := a.watchers[key] == 1
	bootstrap := !a.bootstrapped
	a.bootstrapped = true
	a.mu.Unlock()

	if first {
		if err := a.client.Subscribe(a.subscription(key)); err != nil {
			a.mu.Lock()
			delete(a.watchers, key)
			delete(a.handlers, key)
			if bootstrap {
				a.bootstrapped = false
			}
			a.mu.Unlock()
			return fmt.Errorf("watch %s: %w", key, err)
		}
	}

	if bootstrap && !a.client.IsConnected() {
		var creds *models.Credentials
		if a.creds != nil {
			c, err := a.creds()
			if err != nil {
				a.entry().WithError(err).Warn("credentials unavailable; connecting without them")
			} else {
				creds = c
			}
		}
		a.client.Connect(creds)
	}

	a.entry().WithFields(logger.Fields{"key": key, "first": first}).Debug("watch registered")
	return nil
}

// Unwatch drops one watcher of key. The handler and the wire subscription go
// away with the last watcher. The client stays connected.
func (a *Adapter) Unwatch(key string) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	n, ok := a.watchers[key]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	n--
	if n > 0 {
		a.watchers[key] = n
		a.mu.Unlock()
		return nil
	}
	delete(a.watchers, key)
	delete(a.handlers, key)
	a.mu.Unlock()

	if err := a.client.Unsubscribe(a.subscription(key)); err != nil {
		return fmt.Errorf("unwatch %s: %w", key, err)
	}
	return nil
}

// Watchers returns the number of active watchers of key.
func (a *Adapter) Watchers(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watchers[key]
}

// Keys returns the watched keys, sorted.
func (a *Adapter) Keys() []string {
	a.mu.Lock()
	keys := make([]string, 0, len(a.watchers))
	for k := range a.watchers {
		keys = append(keys, k)
	}
	a.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// IsConnected reports whether the underlying client is open.
func (a *Adapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Close detaches from the bus and releases every key's subscription. Later
// Watch calls fail with ErrClosed.
func (a *Adapter) Close() error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	keys := make([]string, 0, len(a.watchers))
	for k := range a.watchers {
		keys = append(keys, k)
	}
	a.watchers = make(map[string]int)
	a.handlers = make(map[string]Handler)
	listeners := a.listeners
	a.listeners = nil
	a.mu.Unlock()

	bus := a.client.Bus()
	for _, id := range listeners {
		bus.Unsubscribe(id)
	}

	sort.Strings(keys)
	var errs []error
	for _, k := range keys {
		if err := a.client.Unsubscribe(a.subscription(k)); err != nil {
			errs = append(errs, fmt.Errorf("unwatch %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// deliver merges an inbound point and hands it to the current handler of key.
// Updates for keys nobody watches are dropped. The token feed carries every
// token, so only targeted kinds count such drops.
func (a *Adapter) deliver(key string, p models.Point) {
	a.mu.Lock()
	handler, ok := a.handlers[key]
	if !ok {
		handler, ok = a.handlers[Wildcard]
	}
	a.mu.Unlock()
	if !ok {
		if a.kind != registry.KindTokenFeed {
			metrics.EmitDropMetric(a.log, metrics.DropMetricUnwatchedUpdate, "", "", string(a.kind))
		}
		return
	}

	if a.buffer != nil {
		a.buffer.MergeLive(a.Entity(key), p)
	}
	a.call(key, handler, p)
}

func (a *Adapter) call(key string, handler Handler, p models.Point) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %s %s: %v", ErrHandlerPanic, a.kind, key, r)
			a.entry().WithField("key", key).WithError(err).Error("handler panic recovered")
			eventbus.Publish(a.client.Bus(), eventbus.Errors, err)
		}
	}()
	handler(p.Value, p.Time())
}
