package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"tokenfeed/internal/registry"
	"tokenfeed/models"
)

const actionSubscribeLive = "subscribeLive"

type liveControl struct {
	Action        string            `json:"action"`
	Subscriptions liveSubscriptions `json:"subscriptions"`
}

type liveSubscriptions struct {
	Balance *liveBalance `json:"balance,omitempty"`
	Tokens  *liveTokens  `json:"tokens,omitempty"`
}

type liveBalance struct {
	Wallets []string `json:"wallets"`
}

type liveTokens struct {
	Type string `json:"type"`
}

// Live is the unauthenticated declarative dialect: every control frame restates
// the complete subscription set and the server replaces its state with it.
type Live struct{}

func (Live) Name() string { return NameLive }

func (Live) Supports(kind registry.Kind) bool {
	return kind == registry.KindBalance || kind == registry.KindTokenFeed
}

func (Live) Endpoint(base string, _ *models.Credentials) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	return u.String(), nil
}

func (l Live) state(desired []registry.Subscription) (liveControl, error) {
	msg := liveControl{Action: actionSubscribeLive}
	for _, sub := range desired {
		switch sub.Kind {
		case registry.KindBalance:
			if msg.Subscriptions.Balance == nil {
				msg.Subscriptions.Balance = &liveBalance{}
			}
			msg.Subscriptions.Balance.Wallets = append(msg.Subscriptions.Balance.Wallets, sub.Key)
		case registry.KindTokenFeed:
			msg.Subscriptions.Tokens = &liveTokens{Type: "all"}
		default:
			return liveControl{}, unsupported(l, sub.Kind)
		}
	}
	return msg, nil
}

func (l Live) full(sub registry.Subscription, desired []registry.Subscription) ([][]byte, error) {
	if !l.Supports(sub.Kind) {
		return nil, unsupported(l, sub.Kind)
	}
	msg, err := l.state(desired)
	if err != nil {
		return nil, err
	}
	return single(msg)
}

func (l Live) SubscribeFrames(sub registry.Subscription, desired []registry.Subscription) ([][]byte, error) {
	return l.full(sub, desired)
}

// UnsubscribeFrames restates the remaining set, which may be empty.
func (l Live) UnsubscribeFrames(sub registry.Subscription, desired []registry.Subscription) ([][]byte, error) {
	return l.full(sub, desired)
}

func (l Live) ReconcileFrames(desired []registry.Subscription) ([][]byte, error) {
	if len(desired) == 0 {
		return nil, nil
	}
	msg, err := l.state(desired)
	if err != nil {
		return nil, err
	}
	return single(msg)
}

func (Live) Ping() []byte {
	return []byte(`{"action":"ping"}`)
}

type liveToken struct {
	models.TokenUpdate
	Token string `json:"token"`
}

func (l Live) Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, malformed(l, err)
	}
	frame := Frame{Type: env.Type, Raw: data}
	body := payload(data, env.Data)

	switch env.Type {
	case typeBalanceUpdate:
		var u models.BalanceUpdate
		if err := json.Unmarshal(body, &u); err != nil {
			return Frame{}, malformed(l, err)
		}
		if u.Wallet == "" {
			return Frame{}, malformed(l, errors.New("balance update without wallet"))
		}
		frame.Kind, frame.Balance = FrameBalance, &u
	case typeTokenCreated, typeTokenUpdated:
		var t liveToken
		if err := json.Unmarshal(body, &t); err != nil {
			return Frame{}, malformed(l, err)
		}
		u := t.TokenUpdate
		if u.Address == "" {
			u.Address = t.Token
		}
		if u.Address == "" {
			return Frame{}, malformed(l, errors.New("token update without address"))
		}
		u.Event = models.TokenUpdated
		if env.Type == typeTokenCreated {
			u.Event = models.TokenCreated
		}
		frame.Kind, frame.Token = FrameToken, &u
	case typeSubscriptionConfirmed:
		frame.Kind = FrameSubscriptionConfirmed
		frame.Confirmed = json.RawMessage(body)
	case typePong:
		frame.Kind = FramePong
	default:
		frame.Kind = FrameUnknown
	}
	return frame, nil
}
