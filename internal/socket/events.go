package socket

import (
	"encoding/json"
	"errors"
	"fmt"

	"tokenfeed/internal/eventbus"
	"tokenfeed/models"
)

var (
	ErrMissingURL         = errors.New("socket url is required")
	ErrInvalidURL         = errors.New("socket url must start with ws:// or wss://")
	ErrNilProtocol        = errors.New("socket protocol is required")
	ErrNotConnected       = errors.New("socket is not connected")
	ErrConnectionTimeout  = errors.New("connection timed out")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ReasonManual is the disconnect reason of an explicit Disconnect.
const ReasonManual = "Manual disconnect"

// Connected is published once per transition into Open, after the desired
// subscriptions have been restated on the wire.
type Connected struct {
	Client  string
	Session string
	URL     string
}

// Disconnected is published when a connection ends for any reason.
type Disconnected struct {
	Client string
	Reason string
	Err    error
}

// Message carries inbound frames of a type the protocol does not model.
type Message struct {
	Client string
	Type   string
	Raw    json.RawMessage
}

var (
	TopicConnected    = eventbus.NewTopic[Connected]("connected")
	TopicDisconnected = eventbus.NewTopic[Disconnected]("disconnected")
	TopicPrice        = eventbus.NewTopic[models.PriceUpdate]("price")
	TopicBalance      = eventbus.NewTopic[models.BalanceUpdate]("balance")
	TopicToken        = eventbus.NewTopic[models.TokenUpdate]("token")
	TopicConfirmed    = eventbus.NewTopic[json.RawMessage]("subscription_confirmed")
	TopicPong         = eventbus.NewTopic[struct{}]("pong")
	TopicMessage      = eventbus.NewTopic[Message]("message")
)

// ExhaustedError reports a client that gave up reconnecting. It matches
// ErrReconnectExhausted with errors.Is.
type ExhaustedError struct {
	Client   string
	URL      string
	Reason   string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("%s: %s after %d attempts (last close: %s)", e.Client, ErrReconnectExhausted, e.Attempts, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrReconnectExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// TransportError wraps a transport failure that ended a connection.
type TransportError struct {
	Client string
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Client, e.Reason, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError wraps an inbound frame that could not be decoded. The
// connection stays up.
type ProtocolError struct {
	Client string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Client, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// EndpointError reports a dial URL the protocol refused to build, typically
// incomplete credentials. The client is left unavailable until the next
// Connect.
type EndpointError struct {
	Client string
	Err    error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("%s: endpoint: %v", e.Client, e.Err)
}

func (e *EndpointError) Unwrap() error {
	return e.Err
}
