package application

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "mqtt-async-publisher"

// Metrics holds the engine's OpenTelemetry instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	meter metric.Meter

	submitted    metric.Int64Counter
	outcomes     metric.Int64Counter
	retries      metric.Int64Counter
	resubmits    metric.Int64Counter
	reconnects   metric.Int64Counter
	stateChanges metric.Int64Counter

	inFlight metric.Int64UpDownCounter

	ackLatency   metric.Float64Histogram
	deliveryTime metric.Float64Histogram
}

// NewMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{meter: meter}

	var err error
	m.submitted, err = meter.Int64Counter(
		"publisher.messages.submitted",
		metric.WithDescription("Messages accepted into the queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create submitted counter: %w", err)
	}

	m.outcomes, err = meter.Int64Counter(
		"publisher.messages.outcomes",
		metric.WithDescription("Terminal outcomes by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outcomes counter: %w", err)
	}

	m.retries, err = meter.Int64Counter(
		"publisher.publish.retries",
		metric.WithDescription("Publish attempts retried after a transient failure"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retries counter: %w", err)
	}

	m.resubmits, err = meter.Int64Counter(
		"publisher.publish.resubmits",
		metric.WithDescription("In-flight publishes resubmitted after the link was lost"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resubmits counter: %w", err)
	}

	m.reconnects, err = meter.Int64Counter(
		"publisher.connection.reconnects",
		metric.WithDescription("Link losses that started a reconnect"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnects counter: %w", err)
	}

	m.stateChanges, err = meter.Int64Counter(
		"publisher.connection.state_changes",
		metric.WithDescription("Connection state transitions by target state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stateChanges counter: %w", err)
	}

	m.inFlight, err = meter.Int64UpDownCounter(
		"publisher.publish.in_flight",
		metric.WithDescription("Publishes handed to the transport and not yet completed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inFlight gauge: %w", err)
	}

	m.ackLatency, err = meter.Float64Histogram(
		"publisher.publish.ack.duration.ms",
		metric.WithDescription("Time from publish to broker acknowledgment in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ackLatency histogram: %w", err)
	}

	m.deliveryTime, err = meter.Float64Histogram(
		"publisher.message.outcome.duration.ms",
		metric.WithDescription("Time from acceptance to terminal outcome in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryTime histogram: %w", err)
	}

	return m, nil
}

// ObserveQueueDepth registers an asynchronous gauge reading depth on every
// collection.
func (m *Metrics) ObserveQueueDepth(depth func() int) error {
	if m == nil {
		return nil
	}
	_, err := m.meter.Int64ObservableGauge(
		"publisher.queue.depth",
		metric.WithDescription("Messages waiting in the queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(depth()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue depth gauge: %w", err)
	}
	return nil
}

func (m *Metrics) RecordSubmitted(qos QoS) {
	if m == nil {
		return
	}
	m.submitted.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
}

func (m *Metrics) RecordOutcome(o Outcome) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", o.Kind.String()),
	))
	m.deliveryTime.Record(ctx, float64(o.Latency)/float64(time.Millisecond))
}

func (m *Metrics) RecordRetry(class failureClass) {
	if m == nil {
		return
	}
	m.retries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("failure", class.String()),
	))
}

func (m *Metrics) RecordResubmits(n int) {
	if m == nil || n == 0 {
		return
	}
	m.resubmits.Add(context.Background(), int64(n))
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1)
}

func (m *Metrics) RecordStateChange(to ConnectionState) {
	if m == nil {
		return
	}
	m.stateChanges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("state", to.String()),
	))
}

func (m *Metrics) AddInFlight(delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.inFlight.Add(context.Background(), delta)
}

func (m *Metrics) RecordAckLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ackLatency.Record(context.Background(), float64(d)/float64(time.Millisecond))
}
