package adapters

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mqtt-async-publisher/application"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/rs/zerolog"
)

const (
	MQTTDefaultConnectTimeout    = 30 * time.Second
	MQTTDefaultDisconnectQuiesce = 250 * time.Millisecond
	MQTTDefaultMaxPayloadSize    = 268435455

	mqttMaxTopicLength = 65535
)

// refusals are CONNACK return codes that no amount of retrying will fix.
var refusals = []error{
	packets.ErrorRefusedBadProtocolVersion,
	packets.ErrorRefusedIDRejected,
	packets.ErrorRefusedBadUsernameOrPassword,
	packets.ErrorRefusedNotAuthorised,
}

type MQTTClientParams struct {
	ConnectTimeout    time.Duration
	DisconnectQuiesce time.Duration
	MaxPayloadSize    int

	// TLSConfig is used for ssl://, tls:// and mqtts:// brokers.
	TLSConfig *tls.Config

	NewClientFunc func(options *mqtt.ClientOptions) mqtt.Client

	Log zerolog.Logger
}

func (m *MQTTClientParams) EnsureDefaults() {
	if m.ConnectTimeout == 0 {
		m.ConnectTimeout = MQTTDefaultConnectTimeout
	}

	if m.DisconnectQuiesce == 0 {
		m.DisconnectQuiesce = MQTTDefaultDisconnectQuiesce
	}

	if m.MaxPayloadSize == 0 {
		m.MaxPayloadSize = MQTTDefaultMaxPayloadSize
	}

	if m.NewClientFunc == nil {
		m.NewClientFunc = mqtt.NewClient
	}
}

// MQTTClient is the paho based Transport. Paho's own reconnect logic is
// switched off; a lost link is reported through OnConnectionLost and the
// engine decides when to connect again.
type MQTTClient struct {
	params MQTTClientParams

	mu       sync.RWMutex
	client   mqtt.Client
	lostFunc func(err error)

	// connecting is a connect attempt given up on by its caller that paho
	// is still working on; the next Connect waits on it.
	connecting mqtt.Token

	connected uint64
	published uint64

	log zerolog.Logger
}

func NewMQTTClient(params MQTTClientParams) *MQTTClient {
	params.EnsureDefaults()
	return &MQTTClient{params: params, log: params.Log}
}

func (m *MQTTClient) Connect(ctx context.Context, opts application.ConnectOptions) error {
	if m.IsConnected() {
		return nil
	}

	client := m.mqttClient(opts)

	tc := time.NewTimer(m.params.ConnectTimeout)
	defer tc.Stop()

	token := m.takeConnecting()
	if token == nil {
		token = client.Connect()
	}
	select {
	case <-tc.C:
		m.setConnecting(token)
		return ErrMQTTConnectTimeout
	case <-ctx.Done():
		m.setConnecting(token)
		return ctx.Err()
	case <-token.Done():
		if err := token.Error(); err != nil {
			return classifyConnectError(err)
		}
	}

	atomic.StoreUint64(&m.connected, 1)
	return nil
}

func (m *MQTTClient) takeConnecting() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	token := m.connecting
	m.connecting = nil
	return token
}

func (m *MQTTClient) setConnecting(token mqtt.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connecting = token
}

func classifyConnectError(err error) error {
	for _, refusal := range refusals {
		if errors.Is(err, refusal) {
			return fmt.Errorf("%w: %w", application.ErrConnectRefused, err)
		}
	}
	return err
}

func (m *MQTTClient) IsConnected() bool {
	return atomic.LoadUint64(&m.connected) == 1
}

// Published is the number of publishes the broker completed.
func (m *MQTTClient) Published() uint64 {
	return atomic.LoadUint64(&m.published)
}

func (m *MQTTClient) Publish(_ context.Context, msg application.Message) application.Delivery {
	if err := m.validate(msg); err != nil {
		return application.FailedDelivery(err)
	}

	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	if client == nil || !m.IsConnected() {
		return application.FailedDelivery(fmt.Errorf("%w: %w", application.ErrLinkDown, ErrMQTTNotConnected))
	}

	token := client.Publish(msg.Topic, byte(msg.QoS), msg.Retain, msg.Payload)
	return &tokenDelivery{token: token, client: m, paho: client}
}

func (m *MQTTClient) validate(msg application.Message) error {
	topic := msg.Topic
	switch {
	case topic == "":
		return fmt.Errorf("%w: %w: empty", application.ErrPublishRejected, ErrTopicInvalid)
	case len(topic) > mqttMaxTopicLength:
		return fmt.Errorf("%w: %w: longer than %d bytes", application.ErrPublishRejected, ErrTopicInvalid, mqttMaxTopicLength)
	case strings.ContainsAny(topic, "+#"):
		return fmt.Errorf("%w: %w: wildcards are not allowed in %q", application.ErrPublishRejected, ErrTopicInvalid, topic)
	case strings.ContainsRune(topic, 0):
		return fmt.Errorf("%w: %w: contains NUL", application.ErrPublishRejected, ErrTopicInvalid)
	}
	if len(msg.Payload) > m.params.MaxPayloadSize {
		return fmt.Errorf("%w: %w: %d > %d bytes", application.ErrPublishRejected, ErrPayloadTooLarge, len(msg.Payload), m.params.MaxPayloadSize)
	}
	return nil
}

func (m *MQTTClient) OnConnectionLost(handler func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lostFunc = handler
}

func (m *MQTTClient) Disconnect() {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()

	atomic.StoreUint64(&m.connected, 0)
	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(uint(m.params.DisconnectQuiesce / time.Millisecond))
	}
	m.log.Info().Msg("disconnected")
}

func (m *MQTTClient) onConnect(client mqtt.Client) {
	m.log.Info().Msg("connected")
	atomic.StoreUint64(&m.connected, 1)
}

func (m *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	m.log.Warn().Err(err).Msg("connection lost")
	atomic.StoreUint64(&m.connected, 0)

	m.mu.RLock()
	handler := m.lostFunc
	m.mu.RUnlock()

	if handler != nil {
		handler(err)
	}
}

// mqttClient returns the paho client, creating it on first use.
func (m *MQTTClient) mqttClient(opts application.ConnectOptions) mqtt.Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		m.client = m.newMqttClient(opts)
	}
	return m.client
}

func (m *MQTTClient) newMqttClient(params application.ConnectOptions) mqtt.Client {
	opts := mqtt.NewClientOptions()

	opts.AddBroker(params.Broker)
	opts.SetClientID(params.ClientID)
	opts.SetUsername(params.Username)
	opts.SetPassword(params.Password)
	opts.SetKeepAlive(params.KeepAlive)
	opts.SetConnectTimeout(m.params.ConnectTimeout)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(false)
	if m.params.TLSConfig != nil {
		opts.SetTLSConfig(m.params.TLSConfig)
	}

	opts.OnConnect = m.onConnect
	opts.OnConnectionLost = m.onConnectionLost

	m.log.Debug().
		Str("broker", params.Broker).
		Str("client_id", params.ClientID).
		Dur("keep_alive", params.KeepAlive).
		Bool("tls", m.params.TLSConfig != nil).
		Msg("mqtt client created")

	return m.params.NewClientFunc(opts)
}

// pahoConnLost prefixes the error paho completes pending tokens with when the
// link drops, before OnConnectionLost is called.
const pahoConnLost = "connection lost before"

// tokenDelivery adapts a paho token. Paho completes the token only once the
// whole QoS handshake is done, so Sent fires together with Done.
type tokenDelivery struct {
	token  mqtt.Token
	client *MQTTClient
	paho   mqtt.Client

	once sync.Once
	err  error
}

func (d *tokenDelivery) Sent() <-chan struct{} { return d.token.Done() }
func (d *tokenDelivery) Done() <-chan struct{} { return d.token.Done() }

func (d *tokenDelivery) Err() error {
	d.once.Do(func() {
		err := d.token.Error()
		switch {
		case err == nil:
			atomic.AddUint64(&d.client.published, 1)
		case d.linkDown(err):
			d.err = fmt.Errorf("%w: %w", application.ErrLinkDown, err)
		default:
			d.err = err
		}
	})
	return d.err
}

// linkDown reports whether err came from the link going away. Paho fails
// pending tokens before it runs the connection lost handler, so the adapter's
// own flag may still be set here.
func (d *tokenDelivery) linkDown(err error) bool {
	if !d.client.IsConnected() || !d.paho.IsConnectionOpen() {
		return true
	}
	return strings.Contains(err.Error(), pahoConnLost)
}

var _ application.Transport = &MQTTClient{}
