package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Millis is a unix timestamp in milliseconds. It decodes from JSON numbers,
// numeric strings and RFC3339 strings. Numbers are milliseconds and are never
// rescaled, matching the history points merged into the same series.
type Millis int64

// UnmarshalJSON implements json.Unmarshaler.
func (m *Millis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*m = 0
			return nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			*m = Millis(t.UnixMilli())
			return nil
		}
		data = []byte(s)
	}

	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", string(data), err)
	}
	*m = Millis(int64(f))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m Millis) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, int64(m), 10), nil
}

// Time returns the timestamp as a time.Time.
func (m Millis) Time() time.Time {
	return time.UnixMilli(int64(m))
}

// IsZero reports whether the timestamp is unset.
func (m Millis) IsZero() bool {
	return m == 0
}

// MillisFrom converts a time.Time to Millis.
func MillisFrom(t time.Time) Millis {
	return Millis(t.UnixMilli())
}
