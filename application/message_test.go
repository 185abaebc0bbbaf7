package application

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQoS(t *testing.T) {
	tests := []struct {
		in   string
		want QoS
	}{
		{"0", AtMostOnce},
		{"at-most-once", AtMostOnce},
		{"1", AtLeastOnce},
		{" AtLeastOnce ", AtLeastOnce},
		{"2", ExactlyOnce},
		{"exactly-once", ExactlyOnce},
	}
	for _, test := range tests {
		got, err := ParseQoS(test.in)
		require.NoError(t, err, test.in)
		assert.Equal(t, test.want, got, test.in)
	}

	for _, in := range []string{"", "3", "once"} {
		_, err := ParseQoS(in)
		assert.Error(t, err, in)
	}
}

func TestQoS(t *testing.T) {
	assert.True(t, ExactlyOnce.Valid())
	assert.False(t, QoS(3).Valid())
	assert.Equal(t, "at-least-once", AtLeastOnce.String())
	assert.Equal(t, "qos(5)", QoS(5).String())
}

func TestMessage_Validate(t *testing.T) {
	require.NoError(t, Message{Topic: "a/b", QoS: ExactlyOnce}.Validate())
	require.NoError(t, Message{Topic: "a/b", Payload: nil}.Validate())

	err := Message{QoS: AtLeastOnce}.Validate()
	assert.ErrorIs(t, err, ErrInvalidMessage)

	err = Message{Topic: "a", QoS: 3}.Validate()
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestFuture(t *testing.T) {
	f := newFuture(7)
	assert.Equal(t, uint64(7), f.Seq())

	_, ok := f.Outcome()
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	f.resolve(Outcome{Seq: 7, Kind: Acknowledged, Attempts: 1})

	o, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Acknowledged, o.Kind)

	o, ok = f.Outcome()
	assert.True(t, ok)
	assert.Equal(t, 1, o.Attempts)
}

func TestOutcomeKind_String(t *testing.T) {
	assert.Equal(t, "acknowledged", Acknowledged.String())
	assert.Equal(t, "rejected", Rejected.String())
	assert.Equal(t, "abandoned", Abandoned.String())
	assert.Equal(t, "unknown", OutcomeKind(0).String())
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		err  error
		want failureClass
	}{
		{fmt.Errorf("%w: topic too long", ErrPublishRejected), failurePermanent},
		{fmt.Errorf("%w: connection reset", ErrLinkDown), failureLink},
		{ErrAckTimeout, failureTransient},
		{errors.New("broker busy"), failureTransient},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, classifyFailure(test.err), test.err.Error())
	}
}

func TestFailedDelivery(t *testing.T) {
	d := FailedDelivery(ErrLinkDown)
	assert.Nil(t, d.Sent())
	select {
	case <-d.Done():
	default:
		t.Fatal("failed delivery not done")
	}
	assert.ErrorIs(t, d.Err(), ErrLinkDown)
}
