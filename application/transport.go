package application

import (
	"context"
	"time"
)

// ConnectOptions identify the broker and the session to open on it.
type ConnectOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string

	KeepAlive time.Duration
}

// Delivery is the asynchronous result of a single publish attempt.
//
// Sent is closed once the broker has taken the packet (PUBACK, PUBREC or the
// write itself for QoS 0). Done is closed once the attempt finished, after
// which Err reports the failure or nil.
type Delivery interface {
	Sent() <-chan struct{}
	Done() <-chan struct{}
	Err() error
}

// Transport is the protocol-capable client the engine drives. The engine owns
// reconnection, so implementations must not reconnect on their own.
type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	Publish(ctx context.Context, msg Message) Delivery
	OnConnectionLost(handler func(err error))
	IsConnected() bool
	Disconnect()
}

// Source produces messages for the engine until it is exhausted or ctx ends.
type Source interface {
	Run(ctx context.Context, emit func(ctx context.Context, msg Message) error) error
}

type failedDelivery struct {
	done chan struct{}
	err  error
}

// FailedDelivery returns a Delivery that already finished with err.
func FailedDelivery(err error) Delivery {
	d := &failedDelivery{done: make(chan struct{}), err: err}
	close(d.done)
	return d
}

// Sent never fires for a failed attempt.
func (d *failedDelivery) Sent() <-chan struct{} { return nil }
func (d *failedDelivery) Done() <-chan struct{} { return d.done }
func (d *failedDelivery) Err() error            { return d.err }
