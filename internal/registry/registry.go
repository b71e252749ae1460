// Package registry tracks the subscriptions consumers want, independent of any
// connection. After every reconnect the wire is rebuilt from its contents.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Kind classifies a subscription.
type Kind string

const (
	KindPrice     Kind = "price"
	KindBalance   Kind = "balance"
	KindTokenFeed Kind = "token-feed"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindPrice, KindBalance, KindTokenFeed:
		return k, nil
	default:
		return "", fmt.Errorf("unknown subscription kind %q", s)
	}
}

// Subscription is one desired stream. Key is a token address for prices, a
// wallet address for balances and empty for the token feed.
type Subscription struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key,omitempty"`
}

func (s Subscription) String() string {
	if s.Key == "" {
		return string(s.Kind)
	}
	return string(s.Kind) + ":" + s.Key
}

// Price, Balance and TokenFeed build subscriptions of each kind.
func Price(token string) Subscription    { return Subscription{Kind: KindPrice, Key: token} }
func Balance(wallet string) Subscription { return Subscription{Kind: KindBalance, Key: wallet} }
func TokenFeed() Subscription            { return Subscription{Kind: KindTokenFeed} }

// Registry is a reference counted set of subscriptions, safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	refs map[Subscription]int
}

func New() *Registry {
	return &Registry{refs: make(map[Subscription]int)}
}

// Add records one more interest in sub and reports whether sub just became
// part of the desired set.
func (r *Registry) Add(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[sub]++
	return r.refs[sub] == 1
}

// Remove drops one interest in sub and reports whether sub just left the
// desired set. Removing an unknown subscription does nothing.
func (r *Registry) Remove(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.refs[sub]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(r.refs, sub)
		return true
	}
	r.refs[sub] = n - 1
	return false
}

// Contains reports whether sub is desired.
func (r *Registry) Contains(sub Subscription) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refs[sub] > 0
}

// Refs returns the interest count for sub.
func (r *Registry) Refs(sub Subscription) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refs[sub]
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.refs)
}

// Snapshot returns the desired set ordered by kind then key.
func (r *Registry) Snapshot() []Subscription {
	r.mu.RLock()
	out := make([]Subscription, 0, len(r.refs))
	for sub := range r.refs {
		out = append(out, sub)
	}
	r.mu.RUnlock()

	Sort(out)
	return out
}

// ByKind groups the desired set by kind with keys sorted.
func (r *Registry) ByKind() map[Kind][]string {
	out := make(map[Kind][]string)
	for _, sub := range r.Snapshot() {
		out[sub.Kind] = append(out[sub.Kind], sub.Key)
	}
	return out
}

// Sort orders subscriptions by kind then key.
func Sort(subs []Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].Kind != subs[j].Kind {
			return subs[i].Kind < subs[j].Kind
		}
		return subs[i].Key < subs[j].Key
	})
}
