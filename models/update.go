package models

import (
	"github.com/shopspring/decimal"
)

// PriceUpdate is a single price tick for a token.
type PriceUpdate struct {
	Token     string          `json:"token"`
	Price     decimal.Decimal `json:"price"`
	Timestamp Millis          `json:"timestamp"`
}

// Point converts the update into a live series point.
func (u PriceUpdate) Point() Point {
	return Point{Timestamp: int64(u.Timestamp), Value: u.Price, Source: SourceLive}
}

// BalanceUpdate carries the latest balance of a wallet, optionally for a
// single token held by that wallet.
type BalanceUpdate struct {
	Wallet    string          `json:"wallet"`
	Token     string          `json:"token,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
	Timestamp Millis          `json:"timestamp"`
}

// Point converts the update into a live series point.
func (u BalanceUpdate) Point() Point {
	return Point{Timestamp: int64(u.Timestamp), Value: u.Balance, Source: SourceLive}
}

// TokenEvent distinguishes token feed notifications.
type TokenEvent string

const (
	TokenCreated TokenEvent = "created"
	TokenUpdated TokenEvent = "updated"
)

// TokenUpdate is an entry of the "all tokens" feed.
type TokenUpdate struct {
	Event     TokenEvent      `json:"event"`
	Address   string          `json:"address"`
	Symbol    string          `json:"symbol,omitempty"`
	Name      string          `json:"name,omitempty"`
	Price     decimal.Decimal `json:"price"`
	MarketCap decimal.Decimal `json:"marketCap"`
	Timestamp Millis          `json:"timestamp"`
}

// Point converts the update into a live series point keyed by price.
func (u TokenUpdate) Point() Point {
	return Point{Timestamp: int64(u.Timestamp), Value: u.Price, Source: SourceLive}
}
