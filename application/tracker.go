package application

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type entryState int

const (
	entryQueued entryState = iota
	entryInFlight
)

type trackedPublish struct {
	p        *PendingPublish
	state    entryState
	dispatch uint64
}

// requeuer is the part of the queue the tracker hands retries back to.
type requeuer interface {
	Requeue(p *PendingPublish, dispatch uint64) bool
	Release(topic string, dispatch uint64)
}

type TrackerParams struct {
	Queue       requeuer
	MaxAttempts int
	OnOutcome   func(Outcome)

	Metrics *Metrics
	Log     zerolog.Logger
	Now     func() time.Time
}

// Tracker follows every accepted message until it reaches exactly one
// terminal outcome. An entry is removed from the map before its outcome is
// resolved, so a sequence number can never be resolved twice.
type Tracker struct {
	params TrackerParams

	mu      sync.Mutex
	entries map[uint64]*trackedPublish
	idle    chan struct{}

	inFlight     atomic.Int64
	acknowledged atomic.Uint64
	rejected     atomic.Uint64
	abandoned    atomic.Uint64
	lastAck      atomic.Pointer[time.Time]

	log zerolog.Logger
}

func NewTracker(params TrackerParams) (*Tracker, error) {
	if params.Queue == nil {
		return nil, fmt.Errorf("Queue is nil")
	}
	if params.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive")
	}
	if params.Now == nil {
		params.Now = time.Now
	}

	idle := make(chan struct{})
	close(idle)

	t := &Tracker{
		params:  params,
		entries: make(map[uint64]*trackedPublish),
		idle:    idle,
		log:     params.Log,
	}
	zero := time.Unix(0, 0)
	t.lastAck.Store(&zero)
	return t, nil
}

// Track registers an accepted message. It is the queue's accept hook.
func (t *Tracker) Track(p *PendingPublish) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) == 0 {
		t.idle = make(chan struct{})
	}
	t.entries[p.Seq] = &trackedPublish{p: p, state: entryQueued}
}

// Dispatched marks seq as handed to the transport under dispatch. It reports
// false when seq already has an outcome and must not be published.
func (t *Tracker) Dispatched(seq, dispatch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[seq]
	if !ok {
		return false
	}
	if e.state != entryInFlight {
		t.inFlight.Add(1)
		t.params.Metrics.AddInFlight(1)
	}
	e.state = entryInFlight
	e.dispatch = dispatch
	return true
}

// current returns the entry for p if dispatch is still its live attempt.
// Completions of superseded attempts are ignored.
func (t *Tracker) current(p *PendingPublish, dispatch uint64) *trackedPublish {
	e, ok := t.entries[p.Seq]
	if !ok || e.state != entryInFlight || e.dispatch != dispatch {
		return nil
	}
	return e
}

func (t *Tracker) Ack(p *PendingPublish, dispatch uint64) {
	t.mu.Lock()
	e := t.current(p, dispatch)
	if e == nil {
		t.mu.Unlock()
		t.params.Queue.Release(p.Message.Topic, dispatch)
		t.log.Debug().Uint64("seq", p.Seq).Uint64("dispatch", dispatch).Msg("stale acknowledgment ignored")
		return
	}
	p.Attempts++
	t.removeLocked(e)
	t.mu.Unlock()

	t.params.Queue.Release(p.Message.Topic, dispatch)
	now := t.params.Now()
	t.lastAck.Store(&now)
	t.resolve(p, Acknowledged, nil)
}

// Fail records a failed attempt. Permanent failures reject the message,
// transient ones requeue it until MaxAttempts is reached. Failures caused by
// the link going down requeue without consuming an attempt.
func (t *Tracker) Fail(p *PendingPublish, dispatch uint64, err error) {
	class := classifyFailure(err)

	t.mu.Lock()
	e := t.current(p, dispatch)
	if e == nil {
		t.mu.Unlock()
		t.params.Queue.Release(p.Message.Topic, dispatch)
		t.log.Debug().Uint64("seq", p.Seq).Uint64("dispatch", dispatch).Err(err).Msg("stale failure ignored")
		return
	}

	var kind OutcomeKind
	switch class {
	case failurePermanent:
		p.Attempts++
		kind = Rejected
	case failureTransient:
		p.Attempts++
		if p.Attempts >= t.params.MaxAttempts {
			kind = Abandoned
		}
	}

	if kind != 0 {
		t.removeLocked(e)
		t.mu.Unlock()

		t.params.Queue.Release(p.Message.Topic, dispatch)
		t.resolve(p, kind, err)
		return
	}

	t.requeueLocked(e)
	attempts := p.Attempts
	t.mu.Unlock()

	t.params.Metrics.RecordRetry(class)
	t.log.Debug().
		Uint64("seq", p.Seq).
		Int("attempts", attempts).
		Str("failure", class.String()).
		Err(err).
		Msg("publish failed, retrying")

	if !t.params.Queue.Requeue(p, dispatch) {
		t.Abandon(p.Seq, fmt.Errorf("%w: %w", ErrShutdown, err))
	}
}

// ResubmitInFlight requeues every in-flight publish whose acknowledgment is
// unknown, oldest at the head. Late results of the old attempts are ignored.
func (t *Tracker) ResubmitInFlight() int {
	t.mu.Lock()
	type resubmit struct {
		p        *PendingPublish
		dispatch uint64
	}
	var pending []resubmit
	for _, e := range t.entries {
		if e.state != entryInFlight {
			continue
		}
		pending = append(pending, resubmit{p: e.p, dispatch: e.dispatch})
		t.requeueLocked(e)
	}
	t.mu.Unlock()

	// pushing newest first leaves the oldest at the head of the queue
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].p.Seq > pending[j].p.Seq
	})
	for _, r := range pending {
		if !t.params.Queue.Requeue(r.p, r.dispatch) {
			t.Abandon(r.p.Seq, ErrShutdown)
		}
	}

	if len(pending) > 0 {
		t.params.Metrics.RecordResubmits(len(pending))
		t.log.Info().Int("count", len(pending)).Msg("resubmitted in-flight publishes")
	}
	return len(pending)
}

// Abandon resolves seq as Abandoned if it has no outcome yet.
func (t *Tracker) Abandon(seq uint64, reason error) bool {
	t.mu.Lock()
	e, ok := t.entries[seq]
	if !ok {
		t.mu.Unlock()
		return false
	}
	t.removeLocked(e)
	t.mu.Unlock()

	t.resolve(e.p, Abandoned, reason)
	return true
}

// AbandonAll resolves every outstanding message as Abandoned.
func (t *Tracker) AbandonAll(reason error) int {
	t.mu.Lock()
	entries := make([]*trackedPublish, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
		t.removeLocked(e)
	}
	t.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].p.Seq < entries[j].p.Seq
	})
	for _, e := range entries {
		t.resolve(e.p, Abandoned, reason)
	}
	return len(entries)
}

func (t *Tracker) requeueLocked(e *trackedPublish) {
	if e.state == entryInFlight {
		t.inFlight.Add(-1)
		t.params.Metrics.AddInFlight(-1)
	}
	e.state = entryQueued
	e.dispatch = 0
}

func (t *Tracker) removeLocked(e *trackedPublish) {
	if e.state == entryInFlight {
		t.inFlight.Add(-1)
		t.params.Metrics.AddInFlight(-1)
	}
	delete(t.entries, e.p.Seq)
	if len(t.entries) == 0 {
		close(t.idle)
	}
}

func (t *Tracker) resolve(p *PendingPublish, kind OutcomeKind, err error) {
	o := Outcome{
		Seq:           p.Seq,
		CorrelationID: p.Message.CorrelationID,
		Topic:         p.Message.Topic,
		Kind:          kind,
		Attempts:      p.Attempts,
		Err:           err,
		Latency:       t.params.Now().Sub(p.EnqueuedAt),
	}

	switch kind {
	case Acknowledged:
		t.acknowledged.Add(1)
		t.log.Debug().Uint64("seq", o.Seq).Str("topic", o.Topic).Int("attempts", o.Attempts).Msg("acknowledged")
	case Rejected:
		t.rejected.Add(1)
		t.log.Warn().Uint64("seq", o.Seq).Str("topic", o.Topic).Err(err).Msg("rejected")
	case Abandoned:
		t.abandoned.Add(1)
		t.log.Warn().Uint64("seq", o.Seq).Str("topic", o.Topic).Int("attempts", o.Attempts).Err(err).Msg("abandoned")
	}

	p.future.resolve(o)
	t.params.Metrics.RecordOutcome(o)
	if t.params.OnOutcome != nil {
		t.params.OnOutcome(o)
	}
}

// Idle returns a channel that is closed while no message is outstanding.
func (t *Tracker) Idle() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idle
}

func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) InFlight() int {
	return int(t.inFlight.Load())
}
