package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// gate is the scheduler's view of the connection supervisor.
type gate interface {
	Ready() <-chan struct{}
	Connected() bool
}

type SchedulerParams struct {
	Queue     *Queue
	Tracker   *Tracker
	Transport Transport
	Gate      gate

	MaxInFlight int
	AckTimeout  time.Duration

	PublishRate  float64
	PublishBurst int

	BreakerThreshold int
	BreakerCooldown  time.Duration

	Metrics *Metrics
	Log     zerolog.Logger
}

// Scheduler moves messages from the queue to the transport, keeping at most
// MaxInFlight transport attempts outstanding. It stops dequeuing whenever the
// gate is not connected.
type Scheduler struct {
	params SchedulerParams

	window  *semaphore.Weighted
	limiter *rate.Limiter
	breaker *gobreaker.TwoStepCircuitBreaker
	wg      conc.WaitGroup

	log zerolog.Logger
}

func NewScheduler(params SchedulerParams) (*Scheduler, error) {
	if params.Queue == nil {
		return nil, fmt.Errorf("Queue is nil")
	}
	if params.Tracker == nil {
		return nil, fmt.Errorf("Tracker is nil")
	}
	if params.Transport == nil {
		return nil, fmt.Errorf("Transport is nil")
	}
	if params.Gate == nil {
		return nil, fmt.Errorf("Gate is nil")
	}
	if params.MaxInFlight <= 0 {
		return nil, fmt.Errorf("max in-flight must be positive")
	}
	if params.AckTimeout <= 0 {
		params.AckTimeout = DefaultAckTimeout
	}

	s := &Scheduler{
		params: params,
		window: semaphore.NewWeighted(int64(params.MaxInFlight)),
		log:    params.Log,
	}

	if params.PublishRate > 0 {
		burst := params.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(params.PublishRate), burst)
	}

	if params.BreakerThreshold > 0 {
		if s.params.BreakerCooldown <= 0 {
			s.params.BreakerCooldown = DefaultBreakerCooldown
		}
		threshold := uint32(params.BreakerThreshold)
		s.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        "publish",
			MaxRequests: 1,
			Timeout:     s.params.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				s.log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("publish circuit breaker state changed")
			},
		})
	}

	return s, nil
}

// Run dispatches until ctx ends or the queue reports end of stream. It waits
// for the publishes it started before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.wg.Wait()

	for {
		select {
		case <-s.params.Gate.Ready():
		case <-ctx.Done():
			return nil
		}

		if err := s.window.Acquire(ctx, 1); err != nil {
			return nil
		}

		p, dispatch, err := s.params.Queue.Dequeue(ctx)
		if err != nil {
			s.window.Release(1)
			if errors.Is(err, ErrQueueClosed) {
				s.log.Debug().Msg("queue closed, scheduler stopping")
			}
			return nil
		}

		if !s.params.Gate.Connected() {
			// paused between the gate check and the dequeue
			s.window.Release(1)
			s.params.Queue.Requeue(p, dispatch)
			continue
		}

		done, err := s.admit(ctx)
		if err != nil {
			s.window.Release(1)
			s.params.Queue.Requeue(p, dispatch)
			return nil
		}

		if !s.params.Tracker.Dispatched(p.Seq, dispatch) {
			done(true)
			s.window.Release(1)
			s.params.Queue.Release(p.Message.Topic, dispatch)
			continue
		}

		s.wg.Go(func() {
			s.publish(ctx, p, dispatch, done)
		})
	}
}

// admit applies the rate limit and the circuit breaker. The returned func
// reports the attempt's result to the breaker.
func (s *Scheduler) admit(ctx context.Context) (func(success bool), error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if s.breaker == nil {
		return func(bool) {}, nil
	}

	poll := s.params.BreakerCooldown / 4
	for {
		done, err := s.breaker.Allow()
		if err == nil {
			return done, nil
		}
		timer := time.NewTimer(poll)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, p *PendingPublish, dispatch uint64, done func(success bool)) {
	defer s.window.Release(1)

	start := time.Now()
	d := s.params.Transport.Publish(ctx, p.Message)

	timer := time.NewTimer(s.params.AckTimeout)
	defer timer.Stop()

	sent := d.Sent()
	var err error
wait:
	for {
		select {
		case <-sent:
			sent = nil
			if p.Message.QoS == ExactlyOnce {
				s.params.Queue.Release(p.Message.Topic, dispatch)
			}
		case <-d.Done():
			err = d.Err()
			break wait
		case <-timer.C:
			err = ErrAckTimeout
			break wait
		case <-ctx.Done():
			done(true)
			return
		}
	}

	if err == nil {
		done(true)
		s.params.Metrics.RecordAckLatency(time.Since(start))
		s.params.Tracker.Ack(p, dispatch)
		return
	}

	// a rejection or a dead link says nothing about broker load
	done(classifyFailure(err) != failureTransient)
	s.log.Debug().Uint64("seq", p.Seq).Str("topic", p.Message.Topic).Err(err).Msg("publish attempt failed")
	s.params.Tracker.Fail(p, dispatch, err)
}
