package application

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type EngineParams struct {
	Transport Transport

	// OnOutcome receives every terminal outcome, in addition to the Future
	// returned by Submit.
	OnOutcome     func(Outcome)
	OnStateChange func(from, to ConnectionState)

	Metrics *Metrics
	Log     zerolog.Logger
}

// EngineStatus is a point-in-time snapshot for reporting.
type EngineStatus struct {
	State            ConnectionState
	Queued           int
	InFlight         int
	Outstanding      int
	Submitted        uint64
	Acknowledged     uint64
	Rejected         uint64
	Abandoned        uint64
	LastAcknowledged time.Time
}

// Engine composes the queue, tracker, scheduler and supervisor into one
// lifecycle: Start, Submit, Drain, Shutdown.
type Engine struct {
	params EngineParams

	mu         sync.Mutex
	started    bool
	queue      *Queue
	tracker    *Tracker
	scheduler  *Scheduler
	supervisor *Supervisor

	cancel  context.CancelFunc
	stopped chan struct{}

	done     chan struct{}
	doneOnce sync.Once
	fatal    atomic.Pointer[error]

	shutdownOnce sync.Once
	submitted    atomic.Uint64

	log zerolog.Logger
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.Transport == nil {
		return nil, fmt.Errorf("Transport is nil")
	}
	return &Engine{
		params:  params,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
		log:     params.Log,
	}, nil
}

// Start validates cfg and begins connecting in the background. Invalid
// configuration fails with *ConfigError before the transport is touched.
func (e *Engine) Start(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}

	var tracker *Tracker
	queue, err := NewQueue(QueueParams{
		Capacity: cfg.QueueCapacity,
		Policy:   cfg.Overflow,
		OnAccept: func(p *PendingPublish) { tracker.Track(p) },
	})
	if err != nil {
		return err
	}

	tracker, err = NewTracker(TrackerParams{
		Queue:       queue,
		MaxAttempts: cfg.MaxAttempts,
		OnOutcome:   e.params.OnOutcome,
		Metrics:     e.params.Metrics,
		Log:         e.log.With().Str("module", "tracker").Logger(),
	})
	if err != nil {
		return err
	}

	supervisor, err := NewSupervisor(SupervisorParams{
		Transport: e.params.Transport,
		Connect:   cfg.Connect,
		Backoff:   cfg.Backoff,
		OnConnected: func(reconnect bool) {
			if reconnect {
				tracker.ResubmitInFlight()
			}
		},
		OnStateChange: e.params.OnStateChange,
		Metrics:       e.params.Metrics,
		Log:           e.log.With().Str("module", "supervisor").Logger(),
	})
	if err != nil {
		return err
	}

	scheduler, err := NewScheduler(SchedulerParams{
		Queue:            queue,
		Tracker:          tracker,
		Transport:        e.params.Transport,
		Gate:             supervisor,
		MaxInFlight:      cfg.MaxInFlight,
		AckTimeout:       cfg.AckTimeout,
		PublishRate:      cfg.PublishRate,
		PublishBurst:     cfg.PublishBurst,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		Metrics:          e.params.Metrics,
		Log:              e.log.With().Str("module", "scheduler").Logger(),
	})
	if err != nil {
		return err
	}

	if err := e.params.Metrics.ObserveQueueDepth(queue.Len); err != nil {
		return err
	}

	e.queue, e.tracker, e.supervisor, e.scheduler = queue, tracker, supervisor, scheduler
	e.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := supervisor.Run(gctx); err != nil {
			e.fail(err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	go func() {
		_ = g.Wait()
		close(e.stopped)
	}()

	e.log.Info().
		Str("broker", cfg.Connect.Broker).
		Str("client_id", cfg.Connect.ClientID).
		Int("queue_capacity", cfg.QueueCapacity).
		Str("overflow", cfg.Overflow.String()).
		Int("max_in_flight", cfg.MaxInFlight).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("engine started")
	return nil
}

func (e *Engine) components() (*Queue, *Tracker, *Supervisor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue, e.tracker, e.supervisor
}

// Submit accepts msg and returns a Future for its outcome. It fails with
// ErrQueueFull or ErrQueueClosed without producing an outcome.
func (e *Engine) Submit(ctx context.Context, msg Message) (*Future, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	queue, _, _ := e.components()
	if queue == nil {
		return nil, ErrNotStarted
	}

	msg.Payload = bytes.Clone(msg.Payload)
	p, err := queue.Enqueue(ctx, msg)
	if err != nil {
		return nil, err
	}

	e.submitted.Add(1)
	e.params.Metrics.RecordSubmitted(msg.QoS)
	return p.Future(), nil
}

// Drain waits until every accepted message has an outcome. It fails with
// ErrDrainTimeout when timeout elapses first; queued messages stay queued.
func (e *Engine) Drain(ctx context.Context, timeout time.Duration) error {
	_, tracker, _ := e.components()
	if tracker == nil {
		return ErrNotStarted
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-tracker.Idle():
		return e.Err()
	case <-ctx.Done():
		return fmt.Errorf("%w: %d message(s) outstanding", ErrDrainTimeout, tracker.Outstanding())
	}
}

// Shutdown stops accepting messages, abandons queued ones, gives in-flight
// publishes until ctx ends to complete, then abandons the rest and releases
// the transport. It is safe to call more than once and concurrently.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.shutdown(ctx)
	})
	return nil
}

func (e *Engine) shutdown(ctx context.Context) {
	queue, tracker, supervisor := e.components()
	if supervisor == nil {
		e.mu.Lock()
		e.started = true
		e.mu.Unlock()
		e.finish()
		return
	}

	e.log.Info().Msg("engine shutting down")
	supervisor.BeginShutdown()

	discarded := queue.Discard()
	for _, p := range discarded {
		tracker.Abandon(p.Seq, ErrShutdown)
	}

	select {
	case <-tracker.Idle():
	case <-e.stopped:
	case <-ctx.Done():
	}

	e.cancel()
	<-e.stopped

	abandoned := tracker.AbandonAll(ErrShutdown)
	e.params.Transport.Disconnect()
	supervisor.Finish()
	e.finish()

	e.log.Info().
		Int("discarded", len(discarded)).
		Int("abandoned_in_flight", abandoned).
		Msg("engine stopped")
}

func (e *Engine) fail(err error) {
	if !e.fatal.CompareAndSwap(nil, &err) {
		return
	}
	e.log.Error().Err(err).Msg("engine failed")

	queue, tracker, _ := e.components()
	queue.Discard()
	tracker.AbandonAll(err)
	e.finish()
}

func (e *Engine) finish() {
	e.doneOnce.Do(func() {
		close(e.done)
	})
}

// Done is closed once the engine has stopped, either by Shutdown or by a
// fatal connection error.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the fatal error that stopped the engine, if any.
func (e *Engine) Err() error {
	if err := e.fatal.Load(); err != nil {
		return *err
	}
	return nil
}

func (e *Engine) State() ConnectionState {
	_, _, supervisor := e.components()
	if supervisor == nil {
		return StateDisconnected
	}
	return supervisor.State()
}

func (e *Engine) Status() EngineStatus {
	queue, tracker, supervisor := e.components()
	status := EngineStatus{
		State:     StateDisconnected,
		Submitted: e.submitted.Load(),
	}
	if supervisor == nil {
		return status
	}
	status.State = supervisor.State()
	status.Queued = queue.Len()
	status.InFlight = tracker.InFlight()
	status.Outstanding = tracker.Outstanding()
	status.Acknowledged = tracker.acknowledged.Load()
	status.Rejected = tracker.rejected.Load()
	status.Abandoned = tracker.abandoned.Load()
	status.LastAcknowledged = *tracker.lastAck.Load()
	return status
}
