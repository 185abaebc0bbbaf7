package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateRecorder struct {
	mu          sync.Mutex
	transitions [][2]ConnectionState
}

func (r *stateRecorder) record(from, to ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, [2]ConnectionState{from, to})
}

func (r *stateRecorder) all() [][2]ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]ConnectionState(nil), r.transitions...)
}

func (r *stateRecorder) count(to ConnectionState) int {
	n := 0
	for _, tr := range r.all() {
		if tr[1] == to {
			n++
		}
	}
	return n
}

type supervisorFixture struct {
	transport  *fakeTransport
	supervisor *Supervisor
	states     *stateRecorder

	mu         sync.Mutex
	reconnects []bool
}

func (f *supervisorFixture) connectedCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.reconnects...)
}

func newSupervisorFixture(t *testing.T, transport *fakeTransport, backoff BackoffConfig) *supervisorFixture {
	f := &supervisorFixture{transport: transport, states: &stateRecorder{}}

	s, err := NewSupervisor(SupervisorParams{
		Transport: transport,
		Connect:   testConfig().Connect,
		Backoff:   backoff,
		OnConnected: func(reconnect bool) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.reconnects = append(f.reconnects, reconnect)
		},
		OnStateChange: f.states.record,
		Log:           testLogger(),
	})
	require.NoError(t, err)
	f.supervisor = s
	return f
}

func (f *supervisorFixture) run(ctx context.Context) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- f.supervisor.Run(ctx)
	}()
	return result
}

func waitResult(t *testing.T, result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not return")
		return nil
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestNewSupervisor(t *testing.T) {
	_, err := NewSupervisor(SupervisorParams{Backoff: testConfig().Backoff})
	require.Error(t, err)

	_, err = NewSupervisor(SupervisorParams{Transport: &fakeTransport{}})
	var configErr *ConfigError
	require.ErrorAs(t, err, &configErr)
}

func TestSupervisor_Connect(t *testing.T) {
	f := newSupervisorFixture(t, &fakeTransport{}, testConfig().Backoff)
	assert.Equal(t, StateDisconnected, f.supervisor.State())
	assert.False(t, isClosed(f.supervisor.Ready()))

	ctx, cancel := context.WithCancel(context.Background())
	result := f.run(ctx)

	require.Eventually(t, f.supervisor.Connected, time.Second, time.Millisecond)
	assert.True(t, isClosed(f.supervisor.Ready()))
	assert.Equal(t, []bool{false}, f.connectedCalls())
	assert.Equal(t, [][2]ConnectionState{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
	}, f.states.all())

	cancel()
	require.NoError(t, waitResult(t, result))
}

func TestSupervisor_Connect_Retries(t *testing.T) {
	transport := &fakeTransport{
		connectErr: func(attempt int) error {
			if attempt < 3 {
				return fmt.Errorf("dial tcp: connection refused")
			}
			return nil
		},
	}
	f := newSupervisorFixture(t, transport, testConfig().Backoff)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(ctx)

	require.Eventually(t, f.supervisor.Connected, time.Second, time.Millisecond)
	assert.Equal(t, 3, transport.connectCount())
}

func TestSupervisor_Connect_Refused(t *testing.T) {
	transport := &fakeTransport{
		connectErr: func(int) error {
			return fmt.Errorf("%w: not authorised", ErrConnectRefused)
		},
	}
	f := newSupervisorFixture(t, transport, testConfig().Backoff)

	err := waitResult(t, f.run(context.Background()))

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.Fatal)
	assert.Equal(t, 1, connErr.Attempts)
	assert.ErrorIs(t, err, ErrConnectRefused)
	assert.Equal(t, StateClosed, f.supervisor.State())
	assert.Equal(t, 1, transport.connectCount())
	assert.Empty(t, f.connectedCalls())
}

func TestSupervisor_Connect_RetriesExhausted(t *testing.T) {
	transport := &fakeTransport{
		connectErr: func(int) error {
			return fmt.Errorf("dial tcp: i/o timeout")
		},
	}
	backoff := testConfig().Backoff
	backoff.MaxRetries = 3
	f := newSupervisorFixture(t, transport, backoff)

	err := waitResult(t, f.run(context.Background()))

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.False(t, connErr.Fatal)
	assert.Equal(t, 3, connErr.Attempts)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateClosed, f.supervisor.State())
	assert.Equal(t, 3, transport.connectCount())
}

func TestSupervisor_Reconnect(t *testing.T) {
	transport := &fakeTransport{}
	f := newSupervisorFixture(t, transport, testConfig().Backoff)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(ctx)
	require.Eventually(t, f.supervisor.Connected, time.Second, time.Millisecond)

	transport.dropLink(errors.New("EOF"))

	require.Eventually(t, func() bool {
		return f.states.count(StateConnected) == 2 && f.supervisor.Connected()
	}, time.Second, time.Millisecond)
	assert.True(t, isClosed(f.supervisor.Ready()))
	assert.Equal(t, []bool{false, true}, f.connectedCalls())
	assert.Equal(t, 1, f.states.count(StateReconnecting))
	assert.Equal(t, 2, transport.connectCount())
}

func TestSupervisor_Reconnect_Paused(t *testing.T) {
	var mu sync.Mutex
	failing := false
	transport := &fakeTransport{
		connectErr: func(int) error {
			mu.Lock()
			defer mu.Unlock()
			if failing {
				return fmt.Errorf("dial tcp: connection refused")
			}
			return nil
		},
	}
	f := newSupervisorFixture(t, transport, testConfig().Backoff)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(ctx)
	require.Eventually(t, f.supervisor.Connected, time.Second, time.Millisecond)

	mu.Lock()
	failing = true
	mu.Unlock()
	transport.dropLink(errors.New("EOF"))

	require.Eventually(t, func() bool {
		return f.supervisor.State() == StateReconnecting && transport.connectCount() > 3
	}, time.Second, time.Millisecond)
	assert.False(t, isClosed(f.supervisor.Ready()))

	mu.Lock()
	failing = false
	mu.Unlock()
	require.Eventually(t, f.supervisor.Connected, time.Second, time.Millisecond)
}

func TestSupervisor_Shutdown(t *testing.T) {
	f := newSupervisorFixture(t, &fakeTransport{}, testConfig().Backoff)

	ctx, cancel := context.WithCancel(context.Background())
	result := f.run(ctx)
	require.Eventually(t, f.supervisor.Connected, time.Second, time.Millisecond)

	assert.True(t, f.supervisor.BeginShutdown())
	assert.False(t, f.supervisor.BeginShutdown())
	assert.Equal(t, StateShuttingDown, f.supervisor.State())
	assert.False(t, isClosed(f.supervisor.Ready()))

	cancel()
	require.NoError(t, waitResult(t, result))

	assert.True(t, f.supervisor.Finish())
	assert.False(t, f.supervisor.Finish())
	assert.Equal(t, StateClosed, f.supervisor.State())
	assert.Equal(t, 1, f.states.count(StateClosed))
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "shutting-down", StateShuttingDown.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", ConnectionState(42).String())
}
