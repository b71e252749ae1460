package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"tokenfeed/internal/registry"
	"tokenfeed/models"
)

// ErrMissingCredentials is returned for credentials that are present but lack
// a wallet, signature or nonce.
var ErrMissingCredentials = errors.New("multiplexed protocol requires wallet credentials")

const (
	actionSubscribePrice     = "subscribePrice"
	actionUnsubscribePrice   = "unsubscribePrice"
	actionSubscribeBalance   = "subscribeBalance"
	actionUnsubscribeBalance = "unsubscribeBalance"
	actionPing               = "ping"

	typePriceUpdate           = "PRICE_UPDATE"
	typeBalanceUpdate         = "BALANCE_UPDATE"
	typeTokenCreated          = "TOKEN_CREATED"
	typeTokenUpdated          = "TOKEN_UPDATED"
	typeSubscriptionConfirmed = "SUBSCRIPTION_CONFIRMED"
	typePong                  = "PONG"
)

type multiplexedControl struct {
	Action string `json:"action"`
	Token  string `json:"token,omitempty"`
	Wallet string `json:"wallet,omitempty"`
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Multiplexed is the query-string authenticated dialect carrying per-token
// prices and per-wallet balances with incremental control frames.
type Multiplexed struct{}

func (Multiplexed) Name() string { return NameMultiplexed }

func (Multiplexed) Supports(kind registry.Kind) bool {
	return kind == registry.KindPrice || kind == registry.KindBalance
}

// Endpoint signs the base URL with the credentials. Without credentials the
// base URL is dialled as is; production deployments reject that at config
// validation.
func (m Multiplexed) Endpoint(base string, creds *models.Credentials) (string, error) {
	if creds == nil {
		return base, nil
	}
	if !creds.Complete() {
		return "", ErrMissingCredentials
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("wallet", creds.Wallet)
	q.Set("signature", creds.Signature)
	q.Set("nonce", creds.Nonce)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m Multiplexed) control(sub registry.Subscription, subscribe bool) (multiplexedControl, error) {
	switch sub.Kind {
	case registry.KindPrice:
		action := actionUnsubscribePrice
		if subscribe {
			action = actionSubscribePrice
		}
		return multiplexedControl{Action: action, Token: sub.Key}, nil
	case registry.KindBalance:
		action := actionUnsubscribeBalance
		if subscribe {
			action = actionSubscribeBalance
		}
		return multiplexedControl{Action: action, Wallet: sub.Key}, nil
	default:
		return multiplexedControl{}, unsupported(m, sub.Kind)
	}
}

func (m Multiplexed) SubscribeFrames(sub registry.Subscription, _ []registry.Subscription) ([][]byte, error) {
	c, err := m.control(sub, true)
	if err != nil {
		return nil, err
	}
	return single(c)
}

func (m Multiplexed) UnsubscribeFrames(sub registry.Subscription, _ []registry.Subscription) ([][]byte, error) {
	c, err := m.control(sub, false)
	if err != nil {
		return nil, err
	}
	return single(c)
}

func (m Multiplexed) ReconcileFrames(desired []registry.Subscription) ([][]byte, error) {
	controls := make([]multiplexedControl, 0, len(desired))
	for _, sub := range desired {
		c, err := m.control(sub, true)
		if err != nil {
			return nil, err
		}
		controls = append(controls, c)
	}
	return batch(controls)
}

func (Multiplexed) Ping() []byte {
	return []byte(`{"action":"ping"}`)
}

func (m Multiplexed) Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, malformed(m, err)
	}
	frame := Frame{Type: env.Type, Raw: data}
	body := payload(data, env.Data)

	switch env.Type {
	case typePriceUpdate:
		var u models.PriceUpdate
		if err := json.Unmarshal(body, &u); err != nil {
			return Frame{}, malformed(m, err)
		}
		if u.Token == "" {
			return Frame{}, malformed(m, errors.New("price update without token"))
		}
		frame.Kind, frame.Price = FramePrice, &u
	case typeBalanceUpdate:
		var u models.BalanceUpdate
		if err := json.Unmarshal(body, &u); err != nil {
			return Frame{}, malformed(m, err)
		}
		if u.Wallet == "" {
			return Frame{}, malformed(m, errors.New("balance update without wallet"))
		}
		frame.Kind, frame.Balance = FrameBalance, &u
	case typePong:
		frame.Kind = FramePong
	default:
		frame.Kind = FrameUnknown
	}
	return frame, nil
}
