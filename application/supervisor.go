package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// ConnectionState is owned by the Supervisor; everything else only observes it.
type ConnectionState uint32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateShuttingDown
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateShuttingDown:
		return "shutting-down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type SupervisorParams struct {
	Transport Transport
	Connect   ConnectOptions
	Backoff   BackoffConfig

	// OnConnected runs before the scheduler is released, with reconnect set
	// for every connection after the first one.
	OnConnected   func(reconnect bool)
	OnStateChange func(from, to ConnectionState)

	Metrics *Metrics
	Log     zerolog.Logger
}

// Supervisor drives the connection state machine:
//
//	Disconnected -> Connecting -> Connected <-> Reconnecting
//	any -> ShuttingDown -> Closed, fatal errors -> Closed
//
// The scheduler waits on Ready, which is closed only while Connected.
type Supervisor struct {
	params SupervisorParams

	mu    sync.Mutex
	state atomic.Uint32
	ready chan struct{}

	lost chan error

	log zerolog.Logger
}

func NewSupervisor(params SupervisorParams) (*Supervisor, error) {
	if params.Transport == nil {
		return nil, fmt.Errorf("Transport is nil")
	}
	if err := params.Backoff.validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		params: params,
		ready:  make(chan struct{}),
		lost:   make(chan error, 1),
		log:    params.Log,
	}
	params.Transport.OnConnectionLost(s.linkLost)
	return s, nil
}

func (s *Supervisor) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

func (s *Supervisor) Connected() bool {
	return s.State() == StateConnected
}

func (s *Supervisor) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Supervisor) transition(to ConnectionState, from ...ConnectionState) bool {
	s.mu.Lock()
	cur := s.State()
	allowed := false
	for _, f := range from {
		if cur == f {
			allowed = true
			break
		}
	}
	if !allowed {
		s.mu.Unlock()
		return false
	}

	s.state.Store(uint32(to))
	switch {
	case to == StateConnected:
		close(s.ready)
	case cur == StateConnected:
		s.ready = make(chan struct{})
	}
	s.mu.Unlock()

	s.log.Info().Str("from", cur.String()).Str("to", to.String()).Msg("connection state changed")
	s.params.Metrics.RecordStateChange(to)
	if s.params.OnStateChange != nil {
		s.params.OnStateChange(cur, to)
	}
	return true
}

// Run connects and then keeps the link up until ctx ends. It returns a
// *ConnectionError when the broker refuses the client or reconnect attempts
// are exhausted; the state is Closed in both cases.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.transition(StateConnecting, StateDisconnected) {
		return nil
	}
	if err := s.connect(ctx, StateConnecting, false); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.lost:
			if !s.transition(StateReconnecting, StateConnected) {
				continue
			}
			s.log.Warn().Err(err).Msg("connection lost")
			s.params.Metrics.RecordReconnect()
			if err := s.connect(ctx, StateReconnecting, true); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) connect(ctx context.Context, from ConnectionState, reconnect bool) error {
	b := s.newBackoff()
	attempt := 0
	for {
		attempt++
		err := s.params.Transport.Connect(ctx, s.params.Connect)
		if err == nil {
			s.drainLost()
			if s.params.OnConnected != nil {
				s.params.OnConnected(reconnect)
			}
			if !s.transition(StateConnected, from) {
				return nil
			}
			if !s.params.Transport.IsConnected() {
				s.linkLost(ErrLinkDown)
			}
			s.log.Info().Int("attempt", attempt).Str("broker", s.params.Connect.Broker).Msg("connected")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, ErrConnectRefused) {
			s.fail()
			return &ConnectionError{Fatal: true, Attempts: attempt, Err: err}
		}
		if limit := s.params.Backoff.MaxRetries; limit > 0 && attempt >= limit {
			s.fail()
			return &ConnectionError{Attempts: attempt, Err: fmt.Errorf("%w: %w", ErrRetriesExhausted, err)}
		}

		delay := b.NextBackOff()
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("connect failed")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func (s *Supervisor) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.params.Backoff.InitialInterval
	b.MaxInterval = s.params.Backoff.MaxInterval
	b.Multiplier = s.params.Backoff.Multiplier
	b.RandomizationFactor = s.params.Backoff.Jitter
	b.Reset()
	return b
}

func (s *Supervisor) linkLost(err error) {
	select {
	case s.lost <- err:
	default:
	}
}

func (s *Supervisor) drainLost() {
	select {
	case <-s.lost:
	default:
	}
}

func (s *Supervisor) fail() {
	s.transition(StateClosed, StateDisconnected, StateConnecting, StateConnected, StateReconnecting)
}

// BeginShutdown moves any live state to ShuttingDown. It reports false when
// shutdown already began or the supervisor is closed.
func (s *Supervisor) BeginShutdown() bool {
	return s.transition(StateShuttingDown, StateDisconnected, StateConnecting, StateConnected, StateReconnecting)
}

// Finish completes a shutdown started with BeginShutdown.
func (s *Supervisor) Finish() bool {
	return s.transition(StateClosed, StateShuttingDown)
}
