package main

import (
	"time"

	"mqtt-async-publisher/application"

	"github.com/urfave/cli/v2"
)

var FlagConfig = &cli.StringFlag{
	Name:    "config",
	Usage:   "yaml file with flag values, keyed by flag name",
	EnvVars: []string{"CONFIG"},
}

var FlagLogLevel = &cli.StringFlag{
	Name:     "log-level",
	EnvVars:  []string{"LOG_LEVEL"},
	Value:    "info",
	Required: false,
}

var FlagLogWriter = &cli.StringFlag{
	Name:     "log-writer",
	Usage:    "one of: [console, json]",
	EnvVars:  []string{"LOG_WRITER"},
	Value:    "console",
	Required: false,
}

var FlagMQTTUrl = &cli.StringFlag{
	Name:    "mqtt-url",
	Usage:   "tcp://broker:port",
	EnvVars: []string{"MQTT_URL"},
}

var FlagMQTTClientID = &cli.StringFlag{
	Name:    "mqtt-client-id",
	Usage:   "defaults to pub-<uuid>",
	EnvVars: []string{"MQTT_CLIENT_ID"},
}

var FlagMQTTUsername = &cli.StringFlag{
	Name:    "mqtt-username",
	EnvVars: []string{"MQTT_USERNAME"},
}

var FlagMQTTPassword = &cli.StringFlag{
	Name:    "mqtt-password",
	EnvVars: []string{"MQTT_PASSWORD"},
}

var FlagMQTTSecure = &cli.BoolFlag{
	Name:    "mqtt-secure",
	Usage:   "connect over TLS, a tcp:// url is switched to ssl://",
	EnvVars: []string{"MQTT_SECURE"},
}

var FlagMQTTInsecureSkipVerify = &cli.BoolFlag{
	Name:    "mqtt-insecure-skip-verify",
	Usage:   "do not verify the broker certificate",
	EnvVars: []string{"MQTT_INSECURE_SKIP_VERIFY"},
}

var FlagMQTTKeepAlive = &cli.DurationFlag{
	Name:    "mqtt-keep-alive",
	EnvVars: []string{"MQTT_KEEP_ALIVE"},
	Value:   application.DefaultKeepAlive,
}

var FlagMQTTConnectTimeout = &cli.DurationFlag{
	Name:    "mqtt-connect-timeout",
	EnvVars: []string{"MQTT_CONNECT_TIMEOUT"},
	Value:   30 * time.Second,
}

var FlagQoS = &cli.StringFlag{
	Name:    "qos",
	Usage:   "one of: [0, 1, 2]",
	EnvVars: []string{"QOS"},
	Value:   "1",
}

var FlagRetain = &cli.BoolFlag{
	Name:    "retain",
	EnvVars: []string{"RETAIN"},
}

var FlagQueueCapacity = &cli.IntFlag{
	Name:    "queue-capacity",
	EnvVars: []string{"QUEUE_CAPACITY"},
	Value:   application.DefaultQueueCapacity,
}

var FlagOverflow = &cli.StringFlag{
	Name:    "overflow",
	Usage:   "one of: [reject, block]",
	EnvVars: []string{"OVERFLOW"},
	Value:   "reject",
}

var FlagMaxInFlight = &cli.IntFlag{
	Name:    "max-in-flight",
	EnvVars: []string{"MAX_IN_FLIGHT"},
	Value:   application.DefaultMaxInFlight,
}

var FlagMaxAttempts = &cli.IntFlag{
	Name:    "max-attempts",
	EnvVars: []string{"MAX_ATTEMPTS"},
	Value:   application.DefaultMaxAttempts,
}

var FlagAckTimeout = &cli.DurationFlag{
	Name:    "ack-timeout",
	EnvVars: []string{"ACK_TIMEOUT"},
	Value:   application.DefaultAckTimeout,
}

var FlagRate = &cli.Float64Flag{
	Name:    "rate",
	Usage:   "publishes per second, 0 for unlimited",
	EnvVars: []string{"RATE"},
}

var FlagBurst = &cli.IntFlag{
	Name:    "burst",
	EnvVars: []string{"BURST"},
}

var FlagBreakerThreshold = &cli.IntFlag{
	Name:    "breaker-threshold",
	Usage:   "consecutive transient failures that pause publishing, 0 to disable",
	EnvVars: []string{"BREAKER_THRESHOLD"},
}

var FlagBreakerCooldown = &cli.DurationFlag{
	Name:    "breaker-cooldown",
	EnvVars: []string{"BREAKER_COOLDOWN"},
	Value:   application.DefaultBreakerCooldown,
}

var FlagBackoffInitial = &cli.DurationFlag{
	Name:    "backoff-initial",
	EnvVars: []string{"BACKOFF_INITIAL"},
	Value:   application.DefaultBackoffInitial,
}

var FlagBackoffMax = &cli.DurationFlag{
	Name:    "backoff-max",
	EnvVars: []string{"BACKOFF_MAX"},
	Value:   application.DefaultBackoffMax,
}

var FlagBackoffMultiplier = &cli.Float64Flag{
	Name:    "backoff-multiplier",
	EnvVars: []string{"BACKOFF_MULTIPLIER"},
	Value:   application.DefaultBackoffMultiplier,
}

var FlagBackoffJitter = &cli.Float64Flag{
	Name:    "backoff-jitter",
	EnvVars: []string{"BACKOFF_JITTER"},
	Value:   application.DefaultBackoffJitter,
}

var FlagReconnectMaxRetries = &cli.IntFlag{
	Name:    "reconnect-max-retries",
	Usage:   "consecutive failed connect attempts before giving up, 0 for unlimited",
	EnvVars: []string{"RECONNECT_MAX_RETRIES"},
}

var FlagDrainTimeout = &cli.DurationFlag{
	Name:    "drain-timeout",
	EnvVars: []string{"DRAIN_TIMEOUT"},
	Value:   application.DefaultDrainTimeout,
}

var FlagShutdownTimeout = &cli.DurationFlag{
	Name:    "shutdown-timeout",
	EnvVars: []string{"SHUTDOWN_TIMEOUT"},
	Value:   application.DefaultShutdownTimeout,
}

var FlagReportInterval = &cli.DurationFlag{
	Name:    "report-interval",
	EnvVars: []string{"REPORT_INTERVAL"},
	Value:   application.DefaultReportInterval,
}

var FlagSource = &cli.StringFlag{
	Name:    "source",
	Usage:   "one of: [generator, file, tuya]",
	EnvVars: []string{"SOURCE"},
	Value:   "generator",
}

var FlagMessages = &cli.IntFlag{
	Name:    "messages",
	Usage:   "generator: number of messages, 0 to run until interrupted",
	EnvVars: []string{"MESSAGES"},
	Value:   1000,
}

var FlagTopics = &cli.IntFlag{
	Name:    "topics",
	Usage:   "generator: number of topics",
	EnvVars: []string{"TOPICS"},
	Value:   1,
}

var FlagTopicPrefix = &cli.StringFlag{
	Name:    "topic-prefix",
	Usage:   "generator: topic prefix",
	EnvVars: []string{"TOPIC_PREFIX"},
	Value:   "bench",
}

var FlagMessageSize = &cli.IntFlag{
	Name:    "message-size",
	Usage:   "generator: payload size in bytes",
	EnvVars: []string{"MESSAGE_SIZE"},
	Value:   64,
}

var FlagInterval = &cli.DurationFlag{
	Name:    "interval",
	Usage:   "generator: pause between messages",
	EnvVars: []string{"INTERVAL"},
}

var FlagInput = &cli.StringFlag{
	Name:    "input",
	Usage:   "file: path to read lines from, - for stdin",
	EnvVars: []string{"INPUT"},
	Value:   "-",
}

var FlagTopic = &cli.StringFlag{
	Name:    "topic",
	Usage:   "file: topic every line is published on",
	EnvVars: []string{"TOPIC"},
}

var FlagTuyaAccessID = &cli.StringFlag{
	Name:    "tuya-access-id",
	Usage:   "tuya cloud access id",
	EnvVars: []string{"TUYA_ACCESS_ID"},
}

var FlagTuyaAccessKey = &cli.StringFlag{
	Name:    "tuya-access-key",
	Usage:   "tuya cloud access key",
	EnvVars: []string{"TUYA_ACCESS_KEY"},
}

var FlagTuyaPulsarRegion = &cli.StringFlag{
	Name:     "tuya-pulsar-region",
	Usage:    "one of: [EU, US, CN]",
	EnvVars:  []string{"TUYA_ACCESS_REGION"},
	Value:    "EU",
	Required: false,
}

var FlagMQTTTopic = &cli.StringFlag{
	Name:     "mqtt-topic",
	Usage:    "tuya: topic prefix, events go to <prefix>/<device id>",
	EnvVars:  []string{"MQTT_TOPIC"},
	Value:    "tuya-devices",
	Required: false,
}

var FlagOtelEndpoint = &cli.StringFlag{
	Name:    "otel-endpoint",
	Usage:   "OTLP gRPC collector host:port, metrics are disabled when empty",
	EnvVars: []string{"OTEL_ENDPOINT"},
}

var FlagOtelInsecure = &cli.BoolFlag{
	Name:    "otel-insecure",
	EnvVars: []string{"OTEL_INSECURE"},
	Value:   true,
}

var FlagOtelInterval = &cli.DurationFlag{
	Name:    "otel-interval",
	EnvVars: []string{"OTEL_INTERVAL"},
	Value:   10 * time.Second,
}
