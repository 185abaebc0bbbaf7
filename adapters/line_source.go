package adapters

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"mqtt-async-publisher/application"

	"github.com/rs/zerolog"
)

const LineDefaultMaxLineSize = 1024 * 1024

type LineSourceParams struct {
	Reader      io.Reader
	Topic       string
	QoS         application.QoS
	Retain      bool
	MaxLineSize int

	// SkipEmpty drops blank lines instead of publishing empty payloads.
	SkipEmpty bool

	Log zerolog.Logger
}

func (l *LineSourceParams) EnsureDefaults() {
	if l.MaxLineSize == 0 {
		l.MaxLineSize = LineDefaultMaxLineSize
	}
}

// LineSource publishes every line read from Reader as one message on Topic.
type LineSource struct {
	params LineSourceParams

	log zerolog.Logger
}

func NewLineSource(params LineSourceParams) (*LineSource, error) {
	params.EnsureDefaults()

	if params.Reader == nil {
		return nil, fmt.Errorf("Reader is nil")
	}
	if params.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	return &LineSource{params: params, log: params.Log}, nil
}

func (l *LineSource) Run(ctx context.Context, emit func(ctx context.Context, msg application.Message) error) error {
	scanner := bufio.NewScanner(l.params.Reader)
	scanner.Buffer(make([]byte, 0, min(64*1024, l.params.MaxLineSize)), l.params.MaxLineSize)

	lines := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 && l.params.SkipEmpty {
			continue
		}

		lines++
		err := emit(ctx, application.Message{
			Topic:   l.params.Topic,
			Payload: append([]byte(nil), line...),
			QoS:     l.params.QoS,
			Retain:  l.params.Retain,
		})
		if err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read line %d: %w", lines+1, err)
	}

	l.log.Debug().Int("lines", lines).Msg("input exhausted")
	return nil
}

var _ application.Source = &LineSource{}
