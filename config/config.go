package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Stake wraps decimal.Decimal so stake weights can be written as plain YAML
// scalars ("1500000" or "12.5") without loss of precision.
type Stake struct {
	decimal.Decimal
}

// UnmarshalYAML parses a stake weight from a scalar node.
func (s *Stake) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("stake value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode stake: %w", err)
	}
	if raw == "" {
		s.Decimal = decimal.Zero
		return nil
	}
	dec, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("parse stake %q: %w", raw, err)
	}
	s.Decimal = dec
	return nil
}

// MarshalYAML renders the stake as a string scalar.
func (s Stake) MarshalYAML() (interface{}, error) {
	return s.Decimal.String(), nil
}

// DestinationConfig describes one validator transaction-ingestion endpoint and
// the stake weight declared for the proxy identity at that validator.
type DestinationConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Stake   Stake  `yaml:"stake"`
}

// TransportConfig holds the QUIC connection and stream tunables.
type TransportConfig struct {
	// StreamBudget is the aggregate concurrent stream budget split across
	// destinations proportionally to their stake.
	StreamBudget      int      `yaml:"stream_budget"`
	MaxStreamsPerConn int      `yaml:"max_streams_per_conn"`
	IdleTimeout       Duration `yaml:"idle_timeout"`
	HandshakeTimeout  Duration `yaml:"handshake_timeout"`
	StreamTimeout     Duration `yaml:"stream_timeout"`
	ReconnectInterval Duration `yaml:"reconnect_interval"`
	KeepAlive         Duration `yaml:"keep_alive,omitempty"`
	MaxPayloadSize    int      `yaml:"max_payload_size"`
	DrainGrace        Duration `yaml:"drain_grace"`
}

// QueuePolicy selects the shed behaviour once an inbound queue is full.
type QueuePolicy string

const (
	// QueueOldestDrop evicts the oldest queued request to admit the new one.
	QueueOldestDrop QueuePolicy = "oldest_drop"
	// QueueReject refuses the new request and leaves the queue untouched.
	QueueReject QueuePolicy = "reject"
)

// QueueConfig bounds the per-destination inbound queue.
type QueueConfig struct {
	Capacity int         `yaml:"capacity"`
	Policy   QueuePolicy `yaml:"policy,omitempty"`
}

// RetryConfig controls re-send attempts for transient forwarding failures.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Jitter      Duration `yaml:"jitter,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures the Prometheus exporter.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// IdentityConfig points at the keypair material used for QUIC client
// authentication. An empty path together with AllowEphemeral generates a
// throwaway keypair at startup.
type IdentityConfig struct {
	KeypairPath    string `yaml:"keypair_path,omitempty"`
	AllowEphemeral bool   `yaml:"allow_ephemeral,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	Name         string              `yaml:"name,omitempty"`
	Logging      LoggingConfig       `yaml:"logging"`
	Telemetry    TelemetryConfig     `yaml:"telemetry"`
	Identity     IdentityConfig      `yaml:"identity"`
	Destinations []DestinationConfig `yaml:"destinations"`
	Transport    TransportConfig     `yaml:"transport"`
	Queue        QueueConfig         `yaml:"queue"`
	Retry        RetryConfig         `yaml:"retry"`
	// Workers caps the forwarding worker slots per destination. Zero derives
	// the slot count from the destination's stream quota.
	Workers int `yaml:"workers,omitempty"`
}

// Default tunables. The payload cap matches the validator packet size so an
// oversized transaction is refused before it ever reaches the wire.
const (
	DefaultStreamBudget      = 512
	DefaultMaxStreamsPerConn = 128
	DefaultMaxPayloadSize    = 1232
	DefaultQueueCapacity     = 1024
	DefaultMaxAttempts       = 3
)

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a configuration document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Transport.StreamBudget <= 0 {
		c.Transport.StreamBudget = DefaultStreamBudget
	}
	if c.Transport.MaxStreamsPerConn <= 0 {
		c.Transport.MaxStreamsPerConn = DefaultMaxStreamsPerConn
	}
	if c.Transport.IdleTimeout.Duration <= 0 {
		c.Transport.IdleTimeout.Duration = 15 * time.Second
	}
	if c.Transport.HandshakeTimeout.Duration <= 0 {
		c.Transport.HandshakeTimeout.Duration = 5 * time.Second
	}
	if c.Transport.StreamTimeout.Duration <= 0 {
		c.Transport.StreamTimeout.Duration = 5 * time.Second
	}
	if c.Transport.ReconnectInterval.Duration <= 0 {
		c.Transport.ReconnectInterval.Duration = time.Second
	}
	if c.Transport.MaxPayloadSize <= 0 {
		c.Transport.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.Transport.DrainGrace.Duration <= 0 {
		c.Transport.DrainGrace.Duration = 5 * time.Second
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = DefaultQueueCapacity
	}
	if c.Queue.Policy == "" {
		c.Queue.Policy = QueueOldestDrop
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.BaseDelay.Duration <= 0 {
		c.Retry.BaseDelay.Duration = 100 * time.Millisecond
	}
	if c.Retry.MaxDelay.Duration <= 0 {
		c.Retry.MaxDelay.Duration = 2 * time.Second
	}
}

// Validate checks structural invariants that cannot be defaulted away.
func (c *Config) Validate() error {
	if len(c.Destinations) == 0 {
		return errors.New("at least one destination is required")
	}
	seen := make(map[string]struct{}, len(c.Destinations))
	for i, dest := range c.Destinations {
		if dest.Name == "" {
			return fmt.Errorf("destination %d: name is required", i)
		}
		if _, dup := seen[dest.Name]; dup {
			return fmt.Errorf("destination %q: duplicate name", dest.Name)
		}
		seen[dest.Name] = struct{}{}
		if dest.Address == "" {
			return fmt.Errorf("destination %q: address is required", dest.Name)
		}
		if _, _, err := net.SplitHostPort(dest.Address); err != nil {
			return fmt.Errorf("destination %q: address %q: %w", dest.Name, dest.Address, err)
		}
		if !dest.Stake.Decimal.IsPositive() {
			return fmt.Errorf("destination %q: stake must be positive", dest.Name)
		}
	}
	switch c.Queue.Policy {
	case QueueOldestDrop, QueueReject:
	default:
		return fmt.Errorf("queue policy %q: must be %q or %q", c.Queue.Policy, QueueOldestDrop, QueueReject)
	}
	if c.Transport.MaxStreamsPerConn > c.Transport.StreamBudget {
		return fmt.Errorf("max_streams_per_conn %d exceeds stream_budget %d",
			c.Transport.MaxStreamsPerConn, c.Transport.StreamBudget)
	}
	return nil
}

// Destination returns the configured destination with the given name.
func (c *Config) Destination(name string) (DestinationConfig, bool) {
	for _, dest := range c.Destinations {
		if dest.Name == name {
			return dest, true
		}
	}
	return DestinationConfig{}, false
}

// TotalStake sums the stake weights of all configured destinations.
func (c *Config) TotalStake() decimal.Decimal {
	total := decimal.Zero
	for _, dest := range c.Destinations {
		total = total.Add(dest.Stake.Decimal)
	}
	return total
}
