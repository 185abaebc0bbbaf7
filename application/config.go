package application

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultQueueCapacity   = 1000
	DefaultMaxInFlight     = 64
	DefaultMaxAttempts     = 5
	DefaultAckTimeout      = 10 * time.Second
	DefaultBreakerCooldown = 5 * time.Second
	DefaultKeepAlive       = 60 * time.Second

	DefaultBackoffInitial    = 500 * time.Millisecond
	DefaultBackoffMax        = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffJitter     = 0.5
)

// OverflowPolicy decides what Enqueue does when the queue is at capacity.
type OverflowPolicy int

const (
	OverflowReject OverflowPolicy = iota
	OverflowBlock
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowReject:
		return "reject"
	case OverflowBlock:
		return "block"
	default:
		return "unknown"
	}
}

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reject", "":
		return OverflowReject, nil
	case "block":
		return OverflowBlock, nil
	}
	return 0, fmt.Errorf("unknown overflow policy %q", s)
}

// BackoffConfig drives reconnect pacing. MaxRetries of zero retries forever,
// with the delay capped at MaxInterval.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	MaxRetries      int
}

type Config struct {
	Connect ConnectOptions

	QueueCapacity int
	Overflow      OverflowPolicy
	MaxInFlight   int
	MaxAttempts   int
	AckTimeout    time.Duration

	// PublishRate limits publishes per second; zero disables the limit.
	PublishRate  float64
	PublishBurst int

	// BreakerThreshold consecutive transient failures pause publishing for
	// BreakerCooldown; zero disables the breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	Backoff BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Connect: ConnectOptions{
			KeepAlive: DefaultKeepAlive,
		},
		QueueCapacity:   DefaultQueueCapacity,
		Overflow:        OverflowReject,
		MaxInFlight:     DefaultMaxInFlight,
		MaxAttempts:     DefaultMaxAttempts,
		AckTimeout:      DefaultAckTimeout,
		BreakerCooldown: DefaultBreakerCooldown,
		Backoff: BackoffConfig{
			InitialInterval: DefaultBackoffInitial,
			MaxInterval:     DefaultBackoffMax,
			Multiplier:      DefaultBackoffMultiplier,
			Jitter:          DefaultBackoffJitter,
		},
	}
}

var brokerSchemes = map[string]bool{
	"tcp": true, "mqtt": true, "ssl": true, "tls": true, "mqtts": true, "ws": true, "wss": true,
}

// Validate checks every field; the first problem is returned as *ConfigError.
func (c Config) Validate() error {
	if c.Connect.Broker == "" {
		return &ConfigError{Field: "broker", Reason: "required"}
	}
	u, err := url.Parse(c.Connect.Broker)
	if err != nil {
		return &ConfigError{Field: "broker", Reason: err.Error()}
	}
	if !brokerSchemes[u.Scheme] {
		return &ConfigError{Field: "broker", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return &ConfigError{Field: "broker", Reason: "missing host"}
	}
	if c.Connect.ClientID == "" {
		return &ConfigError{Field: "client-id", Reason: "required"}
	}
	if len(c.Connect.ClientID) > 65535 {
		return &ConfigError{Field: "client-id", Reason: "too long"}
	}
	if c.Connect.Password != "" && c.Connect.Username == "" {
		return &ConfigError{Field: "password", Reason: "set without username"}
	}
	if c.Connect.KeepAlive < 0 {
		return &ConfigError{Field: "keep-alive", Reason: "must not be negative"}
	}
	if c.QueueCapacity <= 0 {
		return &ConfigError{Field: "queue-capacity", Reason: "must be positive"}
	}
	if c.Overflow != OverflowReject && c.Overflow != OverflowBlock {
		return &ConfigError{Field: "overflow", Reason: "unknown policy"}
	}
	if c.MaxInFlight <= 0 {
		return &ConfigError{Field: "max-in-flight", Reason: "must be positive"}
	}
	if c.MaxAttempts <= 0 {
		return &ConfigError{Field: "max-attempts", Reason: "must be positive"}
	}
	if c.AckTimeout <= 0 {
		return &ConfigError{Field: "ack-timeout", Reason: "must be positive"}
	}
	if c.PublishRate < 0 {
		return &ConfigError{Field: "rate", Reason: "must not be negative"}
	}
	if c.PublishBurst < 0 {
		return &ConfigError{Field: "burst", Reason: "must not be negative"}
	}
	if c.BreakerThreshold < 0 {
		return &ConfigError{Field: "breaker-threshold", Reason: "must not be negative"}
	}
	if c.BreakerThreshold > 0 && c.BreakerCooldown <= 0 {
		return &ConfigError{Field: "breaker-cooldown", Reason: "must be positive when the breaker is enabled"}
	}
	return c.Backoff.validate()
}

func (b BackoffConfig) validate() error {
	switch {
	case b.InitialInterval <= 0:
		return &ConfigError{Field: "backoff-initial", Reason: "must be positive"}
	case b.MaxInterval < b.InitialInterval:
		return &ConfigError{Field: "backoff-max", Reason: "must not be below backoff-initial"}
	case b.Multiplier < 1:
		return &ConfigError{Field: "backoff-multiplier", Reason: "must be at least 1"}
	case b.Jitter < 0 || b.Jitter > 1:
		return &ConfigError{Field: "backoff-jitter", Reason: "must be within [0, 1]"}
	case b.MaxRetries < 0:
		return &ConfigError{Field: "reconnect-max-retries", Reason: "must not be negative"}
	}
	return nil
}
