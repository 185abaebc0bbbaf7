package application

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QoS is the MQTT delivery guarantee of a message.
type QoS byte

const (
	AtMostOnce QoS = iota
	AtLeastOnce
	ExactlyOnce
)

func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "at-most-once"
	case AtLeastOnce:
		return "at-least-once"
	case ExactlyOnce:
		return "exactly-once"
	default:
		return "qos(" + strconv.Itoa(int(q)) + ")"
	}
}

func (q QoS) Valid() bool {
	return q <= ExactlyOnce
}

// ParseQoS accepts the numeric level or its name.
func ParseQoS(s string) (QoS, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "at-most-once", "atmostonce":
		return AtMostOnce, nil
	case "1", "at-least-once", "atleastonce":
		return AtLeastOnce, nil
	case "2", "exactly-once", "exactlyonce":
		return ExactlyOnce, nil
	}
	return 0, fmt.Errorf("unknown qos %q", s)
}

// Message is an outbound publish. It is treated as immutable once submitted.
type Message struct {
	Topic         string
	Payload       []byte
	QoS           QoS
	Retain        bool
	CorrelationID string
}

func (m Message) Validate() error {
	if m.Topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidMessage)
	}
	if !m.QoS.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidMessage, m.QoS)
	}
	return nil
}

// PendingPublish is a message accepted by the queue. Seq is assigned on
// acceptance and is never reused by the engine instance.
type PendingPublish struct {
	Seq        uint64
	Message    Message
	Attempts   int
	EnqueuedAt time.Time

	future *Future
}

// Future resolves the outcome of a PendingPublish.
func (p *PendingPublish) Future() *Future {
	return p.future
}

type OutcomeKind int

const (
	Acknowledged OutcomeKind = iota + 1
	Rejected
	Abandoned
)

func (k OutcomeKind) String() string {
	switch k {
	case Acknowledged:
		return "acknowledged"
	case Rejected:
		return "rejected"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of an accepted message. Err carries the
// rejection reason or the last failure seen before abandoning.
type Outcome struct {
	Seq           uint64
	CorrelationID string
	Topic         string
	Kind          OutcomeKind
	Attempts      int
	Err           error
	Latency       time.Duration
}

type Future struct {
	seq     uint64
	done    chan struct{}
	outcome Outcome
}

func newFuture(seq uint64) *Future {
	return &Future{seq: seq, done: make(chan struct{})}
}

func (f *Future) Seq() uint64 {
	return f.seq
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Outcome returns the outcome and true once the future has resolved.
func (f *Future) Outcome() (Outcome, bool) {
	select {
	case <-f.done:
		return f.outcome, true
	default:
		return Outcome{}, false
	}
}

func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// resolve must be called exactly once; the tracker guarantees it.
func (f *Future) resolve(o Outcome) {
	f.outcome = o
	close(f.done)
}
