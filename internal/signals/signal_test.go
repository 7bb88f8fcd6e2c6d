package signals

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_MarshalJSON(t *testing.T) {
	s := Signal{
		ID:         2,
		SignalType: "temp",
		Value:      22.0,
		Timestamp:  NewTimestamp(time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC)),
	}

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":2,"signal_type":"temp","value":22,"timestamp":"2024-03-01T10:01:00"}`, string(b))
}

func TestTimestamp_FractionalSeconds(t *testing.T) {
	ts := NewTimestamp(time.Date(2024, 3, 1, 10, 0, 0, 123456000, time.UTC))
	assert.Equal(t, "2024-03-01T10:00:00.123456", ts.String())
}

func TestTimestamp_ConvertsToUTC(t *testing.T) {
	ts := NewTimestamp(time.Date(2024, 3, 1, 5, 0, 0, 0, time.FixedZone("EST", -5*60*60)))

	b, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, `"2024-03-01T10:00:00"`, string(b))
}

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 0, 0, 500000000, time.UTC)
	tests := map[string]string{
		"naive":   `"2024-03-01T10:00:00.5"`,
		"rfc3339": `"2024-03-01T12:00:00.5+02:00"`,
		"zulu":    `"2024-03-01T10:00:00.5Z"`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(raw), &ts))
			assert.True(t, ts.Time().Equal(want), "got %s", ts.Time())
			assert.Equal(t, time.UTC, ts.Time().Location())
		})
	}
}

func TestTimestamp_UnmarshalJSONRejectsGarbage(t *testing.T) {
	var ts Timestamp
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
	assert.Error(t, json.Unmarshal([]byte(`12`), &ts))
}

func TestSignal_RoundTripSlice(t *testing.T) {
	in := []Signal{
		{ID: 2, SignalType: "power", Value: 3.5, Timestamp: NewTimestamp(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))},
		{ID: 1, SignalType: "power", Value: -1, Timestamp: NewTimestamp(time.Date(2024, 1, 2, 3, 4, 4, 0, time.UTC))},
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out []Signal
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestSignal_MarshalJSONNonFiniteValue(t *testing.T) {
	ts := NewTimestamp(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	in := []Signal{
		{ID: 3, SignalType: "power", Value: math.NaN(), Timestamp: ts},
		{ID: 2, SignalType: "power", Value: math.Inf(1), Timestamp: ts},
		{ID: 1, SignalType: "power", Value: math.Inf(-1), Timestamp: ts},
	}

	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"id":3,"signal_type":"power","value":null,"timestamp":"2024-03-01T10:00:00"},
		{"id":2,"signal_type":"power","value":null,"timestamp":"2024-03-01T10:00:00"},
		{"id":1,"signal_type":"power","value":null,"timestamp":"2024-03-01T10:00:00"}
	]`, string(b))
}
