package signals

import (
	"encoding/json"
	"math"
	"time"
)

// timestampLayout is ISO-8601 in UTC without an offset suffix. Fractional
// seconds are printed only when present.
const timestampLayout = "2006-01-02T15:04:05.999999999"

// Signal is one sensor reading as stored in machine_signals.
type Signal struct {
	ID         int64     `json:"id"`
	SignalType string    `json:"signal_type"`
	Value      float64   `json:"value"`
	Timestamp  Timestamp `json:"timestamp"`
}

// MarshalJSON writes a non-finite value (NaN, ±Inf, all storable in a
// float column) as null so a response body stays valid JSON.
func (s Signal) MarshalJSON() ([]byte, error) {
	var value *float64
	if !math.IsNaN(s.Value) && !math.IsInf(s.Value, 0) {
		value = &s.Value
	}
	return json.Marshal(struct {
		ID         int64     `json:"id"`
		SignalType string    `json:"signal_type"`
		Value      *float64  `json:"value"`
		Timestamp  Timestamp `json:"timestamp"`
	}{s.ID, s.SignalType, value, s.Timestamp})
}

// Timestamp is a UTC instant serialized without a zone designator.
type Timestamp struct {
	t time.Time
}

// NewTimestamp normalizes t to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t: t.UTC()}
}

// Time returns the instant in UTC.
func (ts Timestamp) Time() time.Time { return ts.t }

func (ts Timestamp) String() string {
	return ts.t.Format(timestampLayout)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.String())
}

// UnmarshalJSON accepts the naive UTC form and RFC 3339.
func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(timestampLayout, s)
	if err != nil {
		if parsed, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return err
		}
	}
	ts.t = parsed.UTC()
	return nil
}
