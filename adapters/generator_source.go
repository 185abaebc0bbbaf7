package adapters

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"mqtt-async-publisher/application"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	GeneratorDefaultTopicPrefix = "bench"
	GeneratorDefaultTopics      = 1
	GeneratorDefaultPayloadSize = 64

	// generatorHeaderSize covers the sequence number and send timestamp
	// written at the start of every generated payload.
	generatorHeaderSize = 16
)

type GeneratorSourceParams struct {
	Count       int
	Topics      int
	TopicPrefix string
	PayloadSize int
	Interval    time.Duration

	QoS    application.QoS
	Retain bool

	Log zerolog.Logger
}

func (g *GeneratorSourceParams) EnsureDefaults() {
	if g.TopicPrefix == "" {
		g.TopicPrefix = GeneratorDefaultTopicPrefix
	}
	if g.Topics == 0 {
		g.Topics = GeneratorDefaultTopics
	}
	if g.PayloadSize == 0 {
		g.PayloadSize = GeneratorDefaultPayloadSize
	}
}

// GeneratorSource emits Count synthetic messages spread round-robin over
// Topics topics named <prefix>/<n>. A Count of zero generates until ctx ends.
type GeneratorSource struct {
	params GeneratorSourceParams

	log zerolog.Logger
}

func NewGeneratorSource(params GeneratorSourceParams) (*GeneratorSource, error) {
	params.EnsureDefaults()

	if params.Count < 0 {
		return nil, fmt.Errorf("message count must not be negative")
	}
	if params.Topics < 0 {
		return nil, fmt.Errorf("topic count must not be negative")
	}
	if params.PayloadSize < generatorHeaderSize {
		return nil, fmt.Errorf("payload size must be at least %d bytes", generatorHeaderSize)
	}
	if !params.QoS.Valid() {
		return nil, fmt.Errorf("invalid qos %d", params.QoS)
	}

	return &GeneratorSource{params: params, log: params.Log}, nil
}

func (g *GeneratorSource) Run(ctx context.Context, emit func(ctx context.Context, msg application.Message) error) error {
	var ticker *time.Ticker
	if g.params.Interval > 0 {
		ticker = time.NewTicker(g.params.Interval)
		defer ticker.Stop()
	}

	g.log.Info().
		Int("count", g.params.Count).
		Int("topics", g.params.Topics).
		Int("payload_size", g.params.PayloadSize).
		Msg("generating messages")

	for i := 0; g.params.Count == 0 || i < g.params.Count; i++ {
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := emit(ctx, g.message(i)); err != nil {
			return err
		}
	}
	return nil
}

func (g *GeneratorSource) message(i int) application.Message {
	return application.Message{
		Topic:         fmt.Sprintf("%s/%d", g.params.TopicPrefix, i%g.params.Topics),
		Payload:       g.payload(uint64(i)),
		QoS:           g.params.QoS,
		Retain:        g.params.Retain,
		CorrelationID: uuid.NewString(),
	}
}

// payload carries the index and send time in big endian, then a repeating
// byte pattern.
func (g *GeneratorSource) payload(seq uint64) []byte {
	b := make([]byte, g.params.PayloadSize)
	binary.BigEndian.PutUint64(b[0:8], seq)
	binary.BigEndian.PutUint64(b[8:16], uint64(time.Now().UnixNano()))
	for i := generatorHeaderSize; i < len(b); i++ {
		b[i] = byte('a' + (i-generatorHeaderSize)%26)
	}
	return b
}

var _ application.Source = &GeneratorSource{}
