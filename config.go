package main

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"mqtt-async-publisher/application"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// loadConfigFile applies a flat YAML document of flag-name: value pairs to
// every flag that was not set on the command line or through the environment.
func loadConfigFile(ctx *cli.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	values := map[string]any{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	known := map[string]bool{}
	for _, f := range ctx.App.Flags {
		for _, name := range f.Names() {
			known[name] = true
		}
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !known[name] || name == FlagConfig.Name {
			return &application.ConfigError{Field: name, Reason: "unknown key in " + path}
		}
		if ctx.IsSet(name) {
			continue
		}
		if err := ctx.Set(name, yamlValue(values[name])); err != nil {
			return &application.ConfigError{Field: name, Reason: err.Error()}
		}
	}
	return nil
}

func yamlValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			parts = append(parts, yamlValue(p))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}

func buildConfig(ctx *cli.Context) (application.Config, error) {
	cfg := application.DefaultConfig()

	broker, err := brokerURL(ctx.String(FlagMQTTUrl.Name), ctx.Bool(FlagMQTTSecure.Name))
	if err != nil {
		return cfg, err
	}

	clientID := ctx.String(FlagMQTTClientID.Name)
	if clientID == "" {
		clientID = "pub-" + uuid.NewString()
	}

	overflow, err := application.ParseOverflowPolicy(ctx.String(FlagOverflow.Name))
	if err != nil {
		return cfg, &application.ConfigError{Field: FlagOverflow.Name, Reason: err.Error()}
	}

	cfg.Connect = application.ConnectOptions{
		Broker:    broker,
		ClientID:  clientID,
		Username:  ctx.String(FlagMQTTUsername.Name),
		Password:  ctx.String(FlagMQTTPassword.Name),
		KeepAlive: ctx.Duration(FlagMQTTKeepAlive.Name),
	}
	cfg.QueueCapacity = ctx.Int(FlagQueueCapacity.Name)
	cfg.Overflow = overflow
	cfg.MaxInFlight = ctx.Int(FlagMaxInFlight.Name)
	cfg.MaxAttempts = ctx.Int(FlagMaxAttempts.Name)
	cfg.AckTimeout = ctx.Duration(FlagAckTimeout.Name)
	cfg.PublishRate = ctx.Float64(FlagRate.Name)
	cfg.PublishBurst = ctx.Int(FlagBurst.Name)
	cfg.BreakerThreshold = ctx.Int(FlagBreakerThreshold.Name)
	cfg.BreakerCooldown = ctx.Duration(FlagBreakerCooldown.Name)
	cfg.Backoff = application.BackoffConfig{
		InitialInterval: ctx.Duration(FlagBackoffInitial.Name),
		MaxInterval:     ctx.Duration(FlagBackoffMax.Name),
		Multiplier:      ctx.Float64(FlagBackoffMultiplier.Name),
		Jitter:          ctx.Float64(FlagBackoffJitter.Name),
		MaxRetries:      ctx.Int(FlagReconnectMaxRetries.Name),
	}

	return cfg, cfg.Validate()
}

// brokerURL switches a plain tcp:// or mqtt:// url to ssl:// when secure is
// requested.
func brokerURL(raw string, secure bool) (string, error) {
	if !secure || raw == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", &application.ConfigError{Field: FlagMQTTUrl.Name, Reason: err.Error()}
	}
	switch u.Scheme {
	case "tcp", "mqtt":
		u.Scheme = "ssl"
	case "ws":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

func tlsConfig(ctx *cli.Context, broker string) *tls.Config {
	u, err := url.Parse(broker)
	if err != nil {
		return nil
	}
	switch u.Scheme {
	case "ssl", "tls", "mqtts", "wss":
		return &tls.Config{
			ServerName:         u.Hostname(),
			InsecureSkipVerify: ctx.Bool(FlagMQTTInsecureSkipVerify.Name),
		}
	}
	return nil
}
