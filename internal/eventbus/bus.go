// Package eventbus is a small typed publish/subscribe hub used to fan socket
// events out to consumers.
package eventbus

import (
	"fmt"
	"sync"

	"tokenfeed/logger"
)

// Topic names a stream of events carrying payloads of type T.
type Topic[T any] struct {
	name string
}

// NewTopic declares a topic. Topics are compared by name, so two topics with the
// same name must carry the same payload type.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the topic name.
func (t Topic[T]) Name() string {
	return t.name
}

// Errors carries every error surfaced asynchronously: transport failures,
// malformed frames, reconnect exhaustion and recovered listener panics.
var Errors = NewTopic[error]("error")

// SubscriptionID identifies a registered listener.
type SubscriptionID uint64

type listener struct {
	id   SubscriptionID
	once bool
	fn   func(any)
}

// Bus dispatches published events to listeners synchronously on the publishing
// goroutine. Listeners run outside the bus lock and may subscribe, unsubscribe
// or publish from within a callback.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]listener
	owners    map[SubscriptionID]string
	nextID    SubscriptionID
	log       *logger.Log
}

// New creates an empty bus.
func New(log *logger.Log) *Bus {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Bus{
		listeners: make(map[string][]listener),
		owners:    make(map[SubscriptionID]string),
		log:       log,
	}
}

// Subscribe registers fn for every event published on topic.
func Subscribe[T any](b *Bus, topic Topic[T], fn func(T)) SubscriptionID {
	return b.add(topic.name, false, wrap(topic, fn))
}

// Once registers fn for the next event published on topic only.
func Once[T any](b *Bus, topic Topic[T], fn func(T)) SubscriptionID {
	return b.add(topic.name, true, wrap(topic, fn))
}

// Publish delivers v to every listener of topic in registration order.
func Publish[T any](b *Bus, topic Topic[T], v T) {
	b.publish(topic.name, v)
}

func wrap[T any](topic Topic[T], fn func(T)) func(any) {
	return func(v any) {
		payload, ok := v.(T)
		if !ok {
			panic(fmt.Sprintf("eventbus: topic %q received %T", topic.name, v))
		}
		fn(payload)
	}
}

func (b *Bus) add(name string, once bool, fn func(any)) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners[name] = append(b.listeners[name], listener{id: id, once: once, fn: fn})
	b.owners[id] = name
	return id
}

// Unsubscribe removes a listener. Unknown identifiers are ignored.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Bus) removeLocked(id SubscriptionID) bool {
	name, ok := b.owners[id]
	if !ok {
		return false
	}
	delete(b.owners, id)

	current := b.listeners[name]
	for i, l := range current {
		if l.id != id {
			continue
		}
		next := make([]listener, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, name)
		} else {
			b.listeners[name] = next
		}
		break
	}
	return true
}

// Listeners reports how many listeners are registered on the named topic.
func (b *Bus) Listeners(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name])
}

func (b *Bus) publish(name string, v any) {
	b.mu.Lock()
	current := b.listeners[name]
	if len(current) == 0 {
		b.mu.Unlock()
		return
	}
	targets := make([]listener, 0, len(current))
	for _, l := range current {
		if l.once {
			// a once listener may be claimed by a concurrent publish
			if !b.removeLocked(l.id) {
				continue
			}
		}
		targets = append(targets, l)
	}
	b.mu.Unlock()

	for _, l := range targets {
		b.invoke(name, l, v)
	}
}

func (b *Bus) invoke(name string, l listener, v any) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("eventbus: listener on %q panicked: %v", name, r)
		b.log.WithComponent("eventbus").WithFields(logger.Fields{
			"topic":       name,
			"listener_id": uint64(l.id),
		}).WithError(err).Error("listener panic recovered")
		if name != Errors.name {
			b.publish(Errors.name, err)
		}
	}()
	l.fn(v)
}
