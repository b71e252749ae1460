// Package protocol describes the wire dialects spoken by the update servers.
// A Protocol turns subscription intent into control frames and inbound bytes
// into typed frames; the socket client owns everything else.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"tokenfeed/internal/registry"
	"tokenfeed/models"
)

var (
	// ErrUnsupportedKind is returned for subscriptions a dialect cannot express.
	ErrUnsupportedKind = errors.New("subscription kind not supported by protocol")
	// ErrMalformedFrame wraps inbound frames that cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
)

// FrameKind classifies a decoded inbound frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FramePrice
	FrameBalance
	FrameToken
	FrameSubscriptionConfirmed
	FramePong
)

func (k FrameKind) String() string {
	switch k {
	case FramePrice:
		return "price"
	case FrameBalance:
		return "balance"
	case FrameToken:
		return "token"
	case FrameSubscriptionConfirmed:
		return "subscription_confirmed"
	case FramePong:
		return "pong"
	default:
		return "unknown"
	}
}

// Frame is one decoded inbound message. Exactly one payload pointer is set for
// price, balance and token frames; Raw always holds the original bytes.
type Frame struct {
	Kind      FrameKind
	Type      string
	Price     *models.PriceUpdate
	Balance   *models.BalanceUpdate
	Token     *models.TokenUpdate
	Confirmed json.RawMessage
	Raw       json.RawMessage
}

// StampMissing gives price, balance and token payloads without a timestamp
// the receipt time at, so they do not collapse onto epoch zero in a series.
func (f *Frame) StampMissing(at models.Millis) {
	switch {
	case f.Price != nil && f.Price.Timestamp.IsZero():
		f.Price.Timestamp = at
	case f.Balance != nil && f.Balance.Timestamp.IsZero():
		f.Balance.Timestamp = at
	case f.Token != nil && f.Token.Timestamp.IsZero():
		f.Token.Timestamp = at
	}
}

// Protocol is the strategy plugged into a socket client.
type Protocol interface {
	// Name identifies the dialect in logs and configuration.
	Name() string
	// Supports reports whether subscriptions of kind can be expressed.
	Supports(kind registry.Kind) bool
	// Endpoint derives the dial URL from the configured base URL.
	Endpoint(base string, creds *models.Credentials) (string, error)
	// SubscribeFrames is sent after sub joined the desired set.
	SubscribeFrames(sub registry.Subscription, desired []registry.Subscription) ([][]byte, error)
	// UnsubscribeFrames is sent after sub left the desired set.
	UnsubscribeFrames(sub registry.Subscription, desired []registry.Subscription) ([][]byte, error)
	// ReconcileFrames restates the whole desired set after a connection opens.
	ReconcileFrames(desired []registry.Subscription) ([][]byte, error)
	// Ping is the heartbeat frame.
	Ping() []byte
	// Decode parses one inbound message.
	Decode(data []byte) (Frame, error)
}

// Dialect names accepted by New.
const (
	NameMultiplexed = "multiplexed"
	NameLive        = "live"
	NamePriceOnly   = "price"
)

// New returns the dialect registered under name.
func New(name string) (Protocol, error) {
	switch name {
	case NameMultiplexed:
		return Multiplexed{}, nil
	case NameLive:
		return Live{}, nil
	case NamePriceOnly:
		return PriceOnly{}, nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", name)
	}
}

func unsupported(p Protocol, kind registry.Kind) error {
	return fmt.Errorf("%s: %w: %s", p.Name(), ErrUnsupportedKind, kind)
}

func malformed(p Protocol, err error) error {
	return fmt.Errorf("%s: %w: %v", p.Name(), ErrMalformedFrame, err)
}

// batch encodes values as a single JSON array frame, or nothing when empty.
func batch[T any](values []T) ([][]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

func single(v any) ([][]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

// payload picks the nested "data" object when present, else the frame itself.
func payload(raw []byte, data json.RawMessage) []byte {
	if len(data) > 0 && string(data) != "null" {
		return data
	}
	return raw
}
