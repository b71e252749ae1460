package dashboard

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tokenfeed/internal/eventbus"
	"tokenfeed/internal/metrics"
	"tokenfeed/internal/socket"
)

// ring keeps the most recent limit items in arrival order.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newRing[T any](limit int) *ring[T] {
	if limit <= 0 {
		limit = 200
	}
	return &ring[T]{limit: limit}
}

func (r *ring[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = append(r.items, v)
	if len(r.items) > r.limit {
		r.items = append([]T(nil), r.items[len(r.items)-r.limit:]...)
	}
}

// filter returns a copy of the retained items accepted by keep, oldest first.
// A nil keep returns everything.
func (r *ring[T]) filter(keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, len(r.items))
	for _, v := range r.items {
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// metricStore retains the metrics emitted through metrics.EmitMetric.
type metricStore struct {
	*ring[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{ring: newRing[metrics.Metric](limit)}
}

func (s *metricStore) handle(metric metrics.Metric) {
	s.add(metric)
}

func (s *metricStore) snapshot() []metrics.Metric {
	return s.filter(nil)
}

// query narrows the retained metrics by name and by the client field. Empty
// arguments match everything.
func (s *metricStore) query(name, client string) []metrics.Metric {
	return s.filter(func(m metrics.Metric) bool {
		if name != "" && m.Name != name {
			return false
		}
		return client == "" || m.Client() == client
	})
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Client    string                 `json:"client,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`

	severity logrus.Level
}

// logStore is a logrus hook retaining recent entries for /api/logs. It stops
// recording once closed because hooks cannot be removed from a logger.
type logStore struct {
	*ring[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{ring: newRing[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		severity:  entry.Level,
	}

	for k, v := range entry.Data {
		switch k {
		case "component":
			record.Component, _ = v.(string)
			continue
		case "client":
			record.Client, _ = v.(string)
			continue
		}
		if record.Fields == nil {
			record.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			record.Fields[k] = val.Error()
		case fmt.Stringer:
			record.Fields[k] = val.String()
		default:
			record.Fields[k] = val
		}
	}

	s.add(record)
	return nil
}

func (s *logStore) snapshot() []logRecord {
	return s.filter(nil)
}

// query returns entries at least as severe as minLevel, optionally narrowed to
// one component or client.
func (s *logStore) query(minLevel logrus.Level, component, client string) []logRecord {
	return s.filter(func(r logRecord) bool {
		if r.severity > minLevel {
			return false
		}
		if component != "" && r.Component != component {
			return false
		}
		return client == "" || r.Client == client
	})
}

func (s *logStore) close() {
	s.enabled.Store(false)
}

// Connection lifecycle events recorded per client.
const (
	eventConnected    = "connected"
	eventDisconnected = "disconnected"
	eventExhausted    = "exhausted"
)

type connectionEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Client    string    `json:"client"`
	Event     string    `json:"event"`
	Session   string    `json:"session,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type busListener struct {
	bus *eventbus.Bus
	id  eventbus.SubscriptionID
}

// eventStore follows the buses of the watched clients and keeps their recent
// connect, disconnect and exhaustion events.
type eventStore struct {
	*ring[connectionEvent]
	now func() time.Time

	mu        sync.Mutex
	listeners []busListener
}

func newEventStore(limit int) *eventStore {
	return &eventStore{ring: newRing[connectionEvent](limit), now: time.Now}
}

func (s *eventStore) follow(bus *eventbus.Bus) {
	if bus == nil {
		return
	}
	ids := []eventbus.SubscriptionID{
		eventbus.Subscribe(bus, socket.TopicConnected, func(c socket.Connected) {
			s.add(connectionEvent{Timestamp: s.now(), Client: c.Client, Event: eventConnected, Session: c.Session})
		}),
		eventbus.Subscribe(bus, socket.TopicDisconnected, func(d socket.Disconnected) {
			ev := connectionEvent{Timestamp: s.now(), Client: d.Client, Event: eventDisconnected, Reason: d.Reason}
			if d.Err != nil {
				ev.Error = d.Err.Error()
			}
			s.add(ev)
		}),
		eventbus.Subscribe(bus, eventbus.Errors, func(err error) {
			var exhausted *socket.ExhaustedError
			if !errors.As(err, &exhausted) {
				return
			}
			s.add(connectionEvent{
				Timestamp: s.now(),
				Client:    exhausted.Client,
				Event:     eventExhausted,
				Reason:    exhausted.Reason,
				Attempts:  exhausted.Attempts,
			})
		}),
	}

	s.mu.Lock()
	for _, id := range ids {
		s.listeners = append(s.listeners, busListener{bus: bus, id: id})
	}
	s.mu.Unlock()
}

func (s *eventStore) query(client string) []connectionEvent {
	return s.filter(func(e connectionEvent) bool {
		return client == "" || e.Client == client
	})
}

func (s *eventStore) close() {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		l.bus.Unsubscribe(l.id)
	}
}
