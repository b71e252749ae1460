package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source records where a series point came from.
type Source string

const (
	SourceLive    Source = "live"
	SourceHistory Source = "history"
)

// Point is one sample of a time series. Timestamp is in unix milliseconds and
// is the identity of the point inside a series.
type Point struct {
	Timestamp int64           `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
	Source    Source          `json:"source"`
}

// Time returns the point timestamp as a time.Time.
func (p Point) Time() time.Time {
	return time.UnixMilli(p.Timestamp)
}
