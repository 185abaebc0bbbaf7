package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDrainTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultReportInterval  = 30 * time.Second
)

type PublisherService interface {
	Run(ctx context.Context) error
}

type PublisherServiceParams struct {
	Engine *Engine
	Source Source
	Config Config

	DrainTimeout    time.Duration
	ShutdownTimeout time.Duration
	ReportInterval  time.Duration

	Log zerolog.Logger
}

func (p *PublisherServiceParams) EnsureDefaults() {
	if p.DrainTimeout == 0 {
		p.DrainTimeout = DefaultDrainTimeout
	}
	if p.ShutdownTimeout == 0 {
		p.ShutdownTimeout = DefaultShutdownTimeout
	}
	if p.ReportInterval == 0 {
		p.ReportInterval = DefaultReportInterval
	}
}

type publisherService struct {
	params PublisherServiceParams

	log zerolog.Logger
}

func NewPublisherService(params PublisherServiceParams) (PublisherService, error) {
	if params.Engine == nil {
		return nil, fmt.Errorf("Engine is nil")
	}
	if params.Source == nil {
		return nil, fmt.Errorf("Source is nil")
	}
	params.EnsureDefaults()
	return &publisherService{params: params, log: params.Log}, nil
}

// Run starts the engine, pumps the source into it and drains once the source
// is exhausted. Cancelling ctx stops the source and shuts the engine down
// without draining.
func (t *publisherService) Run(ctx context.Context) error {
	engine := t.params.Engine
	if err := engine.Start(ctx, t.params.Config); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.params.ShutdownTimeout)
		defer cancel()
		_ = engine.Shutdown(shutdownCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	finished := make(chan struct{})

	// source pump
	g.Go(func() error {
		defer close(finished)
		t.log.Info().Msg("start publishing")

		err := t.params.Source.Run(gctx, t.emit)
		if fatal := engine.Err(); fatal != nil {
			// the source stopped because the engine closed its queue
			return fatal
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("source failed: %w", err)
		}
		if gctx.Err() != nil {
			return nil
		}

		t.log.Info().Dur("timeout", t.params.DrainTimeout).Msg("source exhausted, draining")
		if err := engine.Drain(gctx, t.params.DrainTimeout); err != nil {
			if gctx.Err() != nil && !errors.Is(err, ErrDrainTimeout) {
				return nil
			}
			return err
		}
		t.log.Info().Msg("stop publishing")
		return nil
	})

	// fatal engine errors
	g.Go(func() error {
		select {
		case <-engine.Done():
			if err := engine.Err(); err != nil {
				return err
			}
		case <-finished:
		case <-gctx.Done():
		}
		return nil
	})

	// publish reporter
	g.Go(func() error {
		ticker := time.NewTicker(t.params.ReportInterval)
		defer ticker.Stop()

		last := engine.Status()
		lastTime := time.Now()

		for {
			select {
			case <-finished:
				return nil
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				status := engine.Status()
				completed := status.Acknowledged - last.Acknowledged

				msgPerMin := uint64(0)
				if elapsed := now.Sub(lastTime); elapsed > 0 {
					msgPerMin = uint64(float64(completed) / elapsed.Minutes())
				}

				t.log.Info().
					Uint64("msg_per_min", msgPerMin).
					Str("state", status.State.String()).
					Int("queued", status.Queued).
					Int("in_flight", status.InFlight).
					Uint64("acknowledged", status.Acknowledged).
					Uint64("rejected", status.Rejected).
					Uint64("abandoned", status.Abandoned).
					Time("last_acknowledged", status.LastAcknowledged).
					Msg("publish report")

				last, lastTime = status, now
			}
		}
	})

	return g.Wait()
}

func (t *publisherService) emit(ctx context.Context, msg Message) error {
	_, err := t.params.Engine.Submit(ctx, msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidMessage):
		t.log.Warn().Err(err).Str("topic", msg.Topic).Msg("message skipped")
		return nil
	case errors.Is(err, ErrQueueFull):
		t.log.Warn().Str("topic", msg.Topic).Msg("queue full, message dropped")
		return nil
	case errors.Is(err, ErrQueueClosed):
		if fatal := t.params.Engine.Err(); fatal != nil {
			return fatal
		}
		return err
	default:
		return err
	}
}
