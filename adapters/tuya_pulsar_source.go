package adapters

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"mqtt-async-publisher/application"

	"github.com/rs/zerolog"
	pulsar "github.com/tuya/tuya-pulsar-sdk-go"
	"github.com/tuya/tuya-pulsar-sdk-go/pkg/tylog"
	"github.com/tuya/tuya-pulsar-sdk-go/pkg/tyutils"
)

const TuyaDefaultTopicPrefix = "tuya-devices"

func init() {
	tylog.SetGlobalLog("mqtt-async-publisher", true)
}

type DeviceStatus struct {
	Code      string `json:"code"`
	Timestamp uint64 `json:"t"`
	Value     any    `json:"value"`
}

// DeviceEvent is a decrypted Tuya device message.
type DeviceEvent struct {
	DataID     string         `json:"dataId"`
	DevID      string         `json:"devId"`
	ProductKey string         `json:"productKey"`
	Status     []DeviceStatus `json:"status,omitempty"`

	BizCode string         `json:"bizCode,omitempty"`
	BizData map[string]any `json:"bizData,omitempty"`
}

type messageHandler struct {
	aesSecret string
	emit      func(ctx context.Context, event DeviceEvent) error

	log zerolog.Logger
}

func (h *messageHandler) HandlePayload(ctx context.Context, msg *pulsar.Message, payload []byte) error {
	var envelope struct {
		Data string `json:"data"`
	}
	err := json.Unmarshal(payload, &envelope)
	if err != nil {
		h.log.Warn().Msg("failed to parse pulsar message payload")
		return err
	}
	de, err := base64.StdEncoding.DecodeString(envelope.Data)
	if err != nil {
		h.log.Warn().Msg("failed to decode message data")
		return err
	}
	decoded := tyutils.EcbDecrypt(de, []byte(h.aesSecret))

	var event DeviceEvent
	err = json.Unmarshal(decoded, &event)
	if err != nil {
		h.log.Warn().Msg("failed to parse message data")
		return err
	}
	if event.DevID == "" {
		h.log.Warn().Str("data_id", event.DataID).Msg("device event without device id")
		return fmt.Errorf("device event %q has no device id", event.DataID)
	}

	return h.emit(ctx, event)
}

type TuyaPulsarSourceParams struct {
	AccessID  string
	AccessKey string

	TopicPrefix string
	QoS         application.QoS
	Retain      bool

	PulsarClient pulsar.Client

	Log zerolog.Logger
}

func (t *TuyaPulsarSourceParams) EnsureDefaults() {
	if t.TopicPrefix == "" {
		t.TopicPrefix = TuyaDefaultTopicPrefix
	}
}

// TuyaPulsarSource republishes Tuya device events as JSON on
// <prefix>/<device id>, correlated by the event's data id.
type TuyaPulsarSource struct {
	params TuyaPulsarSourceParams

	client      pulsar.Client
	consumerCfg pulsar.ConsumerConfig

	log zerolog.Logger
}

func NewTuyaPulsarSource(params TuyaPulsarSourceParams) (*TuyaPulsarSource, error) {
	params.EnsureDefaults()

	if params.PulsarClient == nil {
		return nil, fmt.Errorf("pulsar client is required")
	}

	if len(params.AccessKey) < 24 {
		return nil, fmt.Errorf("access key needs to be at least 24 characters long")
	}

	return &TuyaPulsarSource{
		params: params,
		client: params.PulsarClient,
		consumerCfg: pulsar.ConsumerConfig{
			Topic: pulsar.TopicForAccessID(params.AccessID),
			Auth:  pulsar.NewAuthProvider(params.AccessID, params.AccessKey),
		},
		log: params.Log,
	}, nil
}

// Run consumes until ctx ends.
func (t *TuyaPulsarSource) Run(ctx context.Context, emit func(ctx context.Context, msg application.Message) error) error {
	c, err := t.client.NewConsumer(t.consumerCfg)
	if err != nil {
		return err
	}
	defer c.Stop()

	t.log.Info().Str("topic", t.consumerCfg.Topic).Msg("consuming device events")
	c.ReceiveAndHandle(ctx, &messageHandler{
		aesSecret: t.params.AccessKey[8:24],
		emit: func(ctx context.Context, event DeviceEvent) error {
			msg, err := t.message(event)
			if err != nil {
				return err
			}
			return emit(ctx, msg)
		},
		log: t.log,
	})
	return nil
}

func (t *TuyaPulsarSource) message(event DeviceEvent) (application.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return application.Message{}, fmt.Errorf("failed to encode device event: %w", err)
	}
	return application.Message{
		Topic:         t.params.TopicPrefix + "/" + event.DevID,
		Payload:       payload,
		QoS:           t.params.QoS,
		Retain:        t.params.Retain,
		CorrelationID: event.DataID,
	}, nil
}

var _ application.Source = &TuyaPulsarSource{}
