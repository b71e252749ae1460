package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"tokenfeed/internal/registry"
	"tokenfeed/models"
)

const (
	opSubscribe   = "SUB"
	opUnsubscribe = "UNSUB"
	opPing        = "PING"
	opPong        = "PONG"
)

type priceControl struct {
	Op    string `json:"op"`
	Token string `json:"token"`
}

type priceEnvelope struct {
	Type string          `json:"type"`
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PriceOnly is the lightweight dialect that streams prices for individual
// tokens. Inbound ticks may omit the type discriminator.
type PriceOnly struct{}

func (PriceOnly) Name() string { return NamePriceOnly }

func (PriceOnly) Supports(kind registry.Kind) bool {
	return kind == registry.KindPrice
}

func (PriceOnly) Endpoint(base string, _ *models.Credentials) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	return u.String(), nil
}

func (p PriceOnly) control(sub registry.Subscription, op string) (priceControl, error) {
	if sub.Kind != registry.KindPrice {
		return priceControl{}, unsupported(p, sub.Kind)
	}
	return priceControl{Op: op, Token: sub.Key}, nil
}

func (p PriceOnly) SubscribeFrames(sub registry.Subscription, _ []registry.Subscription) ([][]byte, error) {
	c, err := p.control(sub, opSubscribe)
	if err != nil {
		return nil, err
	}
	return single(c)
}

func (p PriceOnly) UnsubscribeFrames(sub registry.Subscription, _ []registry.Subscription) ([][]byte, error) {
	c, err := p.control(sub, opUnsubscribe)
	if err != nil {
		return nil, err
	}
	return single(c)
}

func (p PriceOnly) ReconcileFrames(desired []registry.Subscription) ([][]byte, error) {
	controls := make([]priceControl, 0, len(desired))
	for _, sub := range desired {
		c, err := p.control(sub, opSubscribe)
		if err != nil {
			return nil, err
		}
		controls = append(controls, c)
	}
	return batch(controls)
}

func (PriceOnly) Ping() []byte {
	return []byte(`{"op":"PING"}`)
}

func (p PriceOnly) Decode(data []byte) (Frame, error) {
	var env priceEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, malformed(p, err)
	}
	frame := Frame{Type: env.Type, Raw: data}

	kind := strings.ToUpper(env.Type)
	if kind == opPong || strings.ToUpper(env.Op) == opPong {
		frame.Kind = FramePong
		return frame, nil
	}

	switch kind {
	case "", "PRICE", typePriceUpdate:
		body := payload(data, env.Data)
		var u models.PriceUpdate
		if err := json.Unmarshal(body, &u); err != nil {
			return Frame{}, malformed(p, err)
		}
		if u.Token == "" {
			if kind == "" {
				frame.Kind = FrameUnknown
				return frame, nil
			}
			return Frame{}, malformed(p, errors.New("price update without token"))
		}
		frame.Kind, frame.Price = FramePrice, &u
	default:
		frame.Kind = FrameUnknown
	}
	return frame, nil
}
