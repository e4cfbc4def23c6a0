package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
name: lite-txn-sender
logging:
  level: debug
  format: text
destinations:
  - name: validator-a
    address: 127.0.0.1:8009
    stake: "1500000"
  - name: validator-b
    address: 127.0.0.1:8010
    stake: "500000"
transport:
  stream_budget: 64
  max_streams_per_conn: 16
  idle_timeout: 10s
  stream_timeout: 2s
queue:
  capacity: 32
  policy: reject
retry:
  max_attempts: 5
  base_delay: 50ms
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Destinations, 2)
	require.Equal(t, "validator-a", cfg.Destinations[0].Name)
	require.True(t, cfg.Destinations[0].Stake.Decimal.Equal(decimal.NewFromInt(1500000)))
	require.Equal(t, 64, cfg.Transport.StreamBudget)
	require.Equal(t, 10*time.Second, cfg.Transport.IdleTimeout.Duration)
	require.Equal(t, QueueReject, cfg.Queue.Policy)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)

	// Defaults fill in whatever the document omits.
	require.Equal(t, DefaultMaxPayloadSize, cfg.Transport.MaxPayloadSize)
	require.Equal(t, 100*time.Millisecond, cfg.Retry.BaseDelay.Duration)
	require.Equal(t, 2*time.Second, cfg.Retry.MaxDelay.Duration)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("destinations: []\nbogus: true\n"))
	if err == nil {
		t.Fatalf("expected decode error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"no destinations", "name: x\n"},
		{"missing address", "destinations:\n  - name: a\n    stake: \"1\"\n"},
		{"bad address", "destinations:\n  - name: a\n    address: nope\n    stake: \"1\"\n"},
		{"zero stake", "destinations:\n  - name: a\n    address: 127.0.0.1:1\n    stake: \"0\"\n"},
		{"duplicate name", "destinations:\n  - name: a\n    address: 127.0.0.1:1\n    stake: \"1\"\n  - name: a\n    address: 127.0.0.1:2\n    stake: \"1\"\n"},
		{"bad queue policy", "destinations:\n  - name: a\n    address: 127.0.0.1:1\n    stake: \"1\"\nqueue:\n  policy: newest_drop\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.doc)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestTotalStake(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	require.True(t, cfg.TotalStake().Equal(decimal.NewFromInt(2000000)))
}

func TestDestinationLookup(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	dest, ok := cfg.Destination("validator-b")
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:8010", dest.Address)

	_, ok = cfg.Destination("missing")
	require.False(t, ok)
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration{Duration: 1500 * time.Millisecond}
	out, err := d.MarshalYAML()
	require.NoError(t, err)
	require.Equal(t, "1.5s", out)
}
