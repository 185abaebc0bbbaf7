package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mqtt-async-publisher/adapters"
	"mqtt-async-publisher/application"

	"github.com/rs/zerolog"
	pulsar "github.com/tuya/tuya-pulsar-sdk-go"
	"github.com/urfave/cli/v2"
)

const (
	serviceName    = "mqtt-async-publisher"
	serviceVersion = "v0.1.0"
)

const (
	exitFailure         = 1
	exitConfigError     = 2
	exitConnectionError = 3
	exitDrainTimeout    = 4
)

var Flags = []cli.Flag{
	FlagConfig,
	FlagLogLevel,
	FlagLogWriter,
	FlagMQTTUrl,
	FlagMQTTClientID,
	FlagMQTTUsername,
	FlagMQTTPassword,
	FlagMQTTSecure,
	FlagMQTTInsecureSkipVerify,
	FlagMQTTKeepAlive,
	FlagMQTTConnectTimeout,
	FlagQoS,
	FlagRetain,
	FlagQueueCapacity,
	FlagOverflow,
	FlagMaxInFlight,
	FlagMaxAttempts,
	FlagAckTimeout,
	FlagRate,
	FlagBurst,
	FlagBreakerThreshold,
	FlagBreakerCooldown,
	FlagBackoffInitial,
	FlagBackoffMax,
	FlagBackoffMultiplier,
	FlagBackoffJitter,
	FlagReconnectMaxRetries,
	FlagDrainTimeout,
	FlagShutdownTimeout,
	FlagReportInterval,
	FlagSource,
	FlagMessages,
	FlagTopics,
	FlagTopicPrefix,
	FlagMessageSize,
	FlagInterval,
	FlagInput,
	FlagTopic,
	FlagTuyaAccessID,
	FlagTuyaAccessKey,
	FlagTuyaPulsarRegion,
	FlagMQTTTopic,
	FlagOtelEndpoint,
	FlagOtelInsecure,
	FlagOtelInterval,
}

func main() {
	var logger zerolog.Logger

	app := cli.App{
		Name:    serviceName,
		Usage:   "publish messages to an MQTT broker with bounded queueing, retries and reconnects",
		Version: serviceVersion,
		Flags:   Flags,
		Before: func(ctx *cli.Context) error {
			if path := ctx.String(FlagConfig.Name); path != "" {
				if err := loadConfigFile(ctx, path); err != nil {
					return err
				}
			}

			var logWriter io.Writer
			switch ctx.String(FlagLogWriter.Name) {
			case "console":
				logWriter = zerolog.ConsoleWriter{
					Out:        os.Stderr,
					TimeFormat: time.RFC3339Nano,
				}
			case "json":
				logWriter = os.Stderr
			default:
				return &application.ConfigError{Field: FlagLogWriter.Name, Reason: "must be console or json"}
			}

			logger = zerolog.New(logWriter).With().Timestamp().
				Str("service", serviceName).
				Str("module", "main").
				Logger()

			level, err := zerolog.ParseLevel(ctx.String(FlagLogLevel.Name))
			if err != nil {
				return &application.ConfigError{Field: FlagLogLevel.Name, Reason: err.Error()}
			}

			zerolog.SetGlobalLevel(level)

			return nil
		},
		Action: func(ctx *cli.Context) error {
			return run(ctx, logger)
		},
		Authors: []*cli.Author{
			{
				Name:  "Marcin Gorzynski",
				Email: "marcin@gorzynski.me",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Err(err).Msg("service terminated")
		os.Exit(exitCode(err))
	}
}

func run(ctx *cli.Context, logger zerolog.Logger) error {
	logger.Info().Msg("service starting...")

	cfg, err := buildConfig(ctx)
	if err != nil {
		return err
	}
	logger.Debug().
		Str("broker", cfg.Connect.Broker).
		Str("client_id", cfg.Connect.ClientID).
		Bool("auth", cfg.Connect.Username != "").
		Dur("keep_alive", cfg.Connect.KeepAlive).
		Int("queue_capacity", cfg.QueueCapacity).
		Str("overflow", cfg.Overflow.String()).
		Int("max_in_flight", cfg.MaxInFlight).
		Int("max_attempts", cfg.MaxAttempts).
		Dur("ack_timeout", cfg.AckTimeout).
		Float64("rate", cfg.PublishRate).
		Int("breaker_threshold", cfg.BreakerThreshold).
		Dur("backoff_initial", cfg.Backoff.InitialInterval).
		Dur("backoff_max", cfg.Backoff.MaxInterval).
		Int("reconnect_max_retries", cfg.Backoff.MaxRetries).
		Msg("configuration")

	appCtx, cancel := context.WithCancel(logger.WithContext(context.Background()))
	defer cancel()
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

		<-c

		logger.Warn().Msg("interrupt signal received")
		cancel()
	}()

	shutdownTelemetry, err := initMeterProvider(appCtx, TelemetryParams{
		Endpoint:       ctx.String(FlagOtelEndpoint.Name),
		Insecure:       ctx.Bool(FlagOtelInsecure.Name),
		ExportInterval: ctx.Duration(FlagOtelInterval.Name),
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		InstanceID:     cfg.Connect.ClientID,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("failed to flush metrics")
		}
	}()

	metrics, err := application.NewMetrics(nil)
	if err != nil {
		return err
	}

	source, closeSource, err := buildSource(ctx, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	transport := adapters.NewMQTTClient(adapters.MQTTClientParams{
		ConnectTimeout: ctx.Duration(FlagMQTTConnectTimeout.Name),
		TLSConfig:      tlsConfig(ctx, cfg.Connect.Broker),
		Log:            logger.With().Str("module", "mqtt-client").Logger(),
	})

	engine, err := application.NewEngine(application.EngineParams{
		Transport: transport,
		Metrics:   metrics,
		Log:       logger.With().Str("module", "engine").Logger(),
	})
	if err != nil {
		return err
	}

	publisherService, err := application.NewPublisherService(application.PublisherServiceParams{
		Engine:          engine,
		Source:          source,
		Config:          cfg,
		DrainTimeout:    ctx.Duration(FlagDrainTimeout.Name),
		ShutdownTimeout: ctx.Duration(FlagShutdownTimeout.Name),
		ReportInterval:  ctx.Duration(FlagReportInterval.Name),
		Log:             logger.With().Str("module", "publisher").Logger(),
	})
	if err != nil {
		return err
	}

	logger.Info().Str("source", ctx.String(FlagSource.Name)).Msg("service started")
	err = publisherService.Run(appCtx)
	if err != nil {
		return err
	}

	status := engine.Status()
	logger.Info().
		Uint64("submitted", status.Submitted).
		Uint64("acknowledged", status.Acknowledged).
		Uint64("rejected", status.Rejected).
		Uint64("abandoned", status.Abandoned).
		Uint64("published", transport.Published()).
		Msg("service terminating...")
	return nil
}

func buildSource(ctx *cli.Context, logger zerolog.Logger) (application.Source, func(), error) {
	noop := func() {}

	qos, err := application.ParseQoS(ctx.String(FlagQoS.Name))
	if err != nil {
		return nil, noop, &application.ConfigError{Field: FlagQoS.Name, Reason: err.Error()}
	}
	retain := ctx.Bool(FlagRetain.Name)
	log := logger.With().Str("module", "source").Logger()

	switch ctx.String(FlagSource.Name) {
	case "generator":
		source, err := adapters.NewGeneratorSource(adapters.GeneratorSourceParams{
			Count:       ctx.Int(FlagMessages.Name),
			Topics:      ctx.Int(FlagTopics.Name),
			TopicPrefix: ctx.String(FlagTopicPrefix.Name),
			PayloadSize: ctx.Int(FlagMessageSize.Name),
			Interval:    ctx.Duration(FlagInterval.Name),
			QoS:         qos,
			Retain:      retain,
			Log:         log,
		})
		if err != nil {
			return nil, noop, &application.ConfigError{Field: FlagSource.Name, Reason: err.Error()}
		}
		return source, noop, nil

	case "file":
		if ctx.String(FlagTopic.Name) == "" {
			return nil, noop, &application.ConfigError{Field: FlagTopic.Name, Reason: "required for the file source"}
		}
		input, closeInput := io.Reader(os.Stdin), noop
		if path := ctx.String(FlagInput.Name); path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return nil, noop, &application.ConfigError{Field: FlagInput.Name, Reason: err.Error()}
			}
			input, closeInput = f, func() { _ = f.Close() }
		}
		source, err := adapters.NewLineSource(adapters.LineSourceParams{
			Reader:    input,
			Topic:     ctx.String(FlagTopic.Name),
			QoS:       qos,
			Retain:    retain,
			SkipEmpty: true,
			Log:       log,
		})
		if err != nil {
			closeInput()
			return nil, noop, err
		}
		return source, closeInput, nil

	case "tuya":
		var pulsarAddress string
		switch strings.ToUpper(ctx.String(FlagTuyaPulsarRegion.Name)) {
		case "US":
			pulsarAddress = pulsar.PulsarAddrUS
		case "EU":
			pulsarAddress = pulsar.PulsarAddrEU
		case "CN":
			pulsarAddress = pulsar.PulsarAddrCN
		default:
			return nil, noop, &application.ConfigError{Field: FlagTuyaPulsarRegion.Name, Reason: "invalid tuya pulsar region"}
		}

		logger.Info().Msgf("pulsar endpoint: %s", pulsarAddress)
		pulsarClient := pulsar.NewClient(pulsar.ClientConfig{
			PulsarAddr: pulsarAddress,
		})

		source, err := adapters.NewTuyaPulsarSource(adapters.TuyaPulsarSourceParams{
			AccessID:     ctx.String(FlagTuyaAccessID.Name),
			AccessKey:    ctx.String(FlagTuyaAccessKey.Name),
			TopicPrefix:  ctx.String(FlagMQTTTopic.Name),
			QoS:          qos,
			Retain:       retain,
			PulsarClient: pulsarClient,
			Log:          logger.With().Str("module", "pulsar-client").Logger(),
		})
		if err != nil {
			return nil, noop, &application.ConfigError{Field: FlagTuyaAccessKey.Name, Reason: err.Error()}
		}
		return source, noop, nil
	}

	return nil, noop, &application.ConfigError{Field: FlagSource.Name, Reason: fmt.Sprintf("unknown source %q", ctx.String(FlagSource.Name))}
}

func exitCode(err error) int {
	var configErr *application.ConfigError
	var connErr *application.ConnectionError
	switch {
	case errors.As(err, &configErr):
		return exitConfigError
	case errors.As(err, &connErr):
		return exitConnectionError
	case errors.Is(err, application.ErrDrainTimeout):
		return exitDrainTimeout
	default:
		return exitFailure
	}
}
