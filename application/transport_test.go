package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type fakeDelivery struct {
	msg Message

	sent     chan struct{}
	done     chan struct{}
	sentOnce sync.Once
	doneOnce sync.Once
	err      error
}

func newFakeDelivery(msg Message) *fakeDelivery {
	return &fakeDelivery{msg: msg, sent: make(chan struct{}), done: make(chan struct{})}
}

func (d *fakeDelivery) Sent() <-chan struct{} { return d.sent }
func (d *fakeDelivery) Done() <-chan struct{} { return d.done }
func (d *fakeDelivery) Err() error            { return d.err }

func (d *fakeDelivery) markSent() {
	d.sentOnce.Do(func() { close(d.sent) })
}

func (d *fakeDelivery) finish(err error) {
	d.doneOnce.Do(func() {
		d.err = err
		if err == nil {
			d.markSent()
		}
		close(d.done)
	})
}

func (d *fakeDelivery) finished() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// fakeTransport acknowledges publishes immediately unless hold is set, in
// which case deliveries stay pending until the test completes them.
type fakeTransport struct {
	mu sync.Mutex

	connected   bool
	connects    int
	disconnects int
	connectErr  func(attempt int) error
	lostFunc    func(err error)

	hold       bool
	respond    func(msg Message) error
	deliveries []*fakeDelivery
}

func (f *fakeTransport) Connect(ctx context.Context, opts ConnectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++
	if f.connectErr != nil {
		if err := f.connectErr(f.connects); err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Publish(ctx context.Context, msg Message) Delivery {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return FailedDelivery(fmt.Errorf("%w: not connected", ErrLinkDown))
	}
	d := newFakeDelivery(msg)
	f.deliveries = append(f.deliveries, d)
	hold, respond := f.hold, f.respond
	f.mu.Unlock()

	if hold {
		return d
	}
	var err error
	if respond != nil {
		err = respond(msg)
	}
	d.finish(err)
	return d
}

func (f *fakeTransport) OnConnectionLost(handler func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lostFunc = handler
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
}

// dropLink fails every pending delivery and reports the lost connection.
func (f *fakeTransport) dropLink(err error) {
	f.mu.Lock()
	f.connected = false
	pending := f.pendingLocked()
	lost := f.lostFunc
	f.mu.Unlock()

	for _, d := range pending {
		d.finish(fmt.Errorf("%w: %w", ErrLinkDown, err))
	}
	if lost != nil {
		lost(err)
	}
}

func (f *fakeTransport) setHold(hold bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = hold
}

func (f *fakeTransport) pendingLocked() []*fakeDelivery {
	var out []*fakeDelivery
	for _, d := range f.deliveries {
		if !d.finished() {
			out = append(out, d)
		}
	}
	return out
}

func (f *fakeTransport) pending() []*fakeDelivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

// finishPending completes every pending delivery with err and reports how many
// it completed.
func (f *fakeTransport) finishPending(err error) int {
	pending := f.pending()
	for _, d := range pending {
		d.finish(err)
	}
	return len(pending)
}

func (f *fakeTransport) published() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, 0, len(f.deliveries))
	for _, d := range f.deliveries {
		out = append(out, d.msg)
	}
	return out
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

var _ Transport = &fakeTransport{}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Connect.Broker = "tcp://localhost:1883"
	cfg.Connect.ClientID = "test"
	cfg.QueueCapacity = 100
	cfg.MaxInFlight = 8
	cfg.MaxAttempts = 3
	cfg.AckTimeout = time.Second
	cfg.Backoff.InitialInterval = time.Millisecond
	cfg.Backoff.MaxInterval = 5 * time.Millisecond
	return cfg
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
