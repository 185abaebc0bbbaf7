package adapters

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/mock"
	pulsar "github.com/tuya/tuya-pulsar-sdk-go"
)

type MockMQTTClient struct {
	mock.Mock
}

func (m *MockMQTTClient) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *MockMQTTClient) IsConnectionOpen() bool {
	return m.Called().Bool(0)
}

func (m *MockMQTTClient) Connect() mqtt.Token {
	return m.Called().Get(0).(mqtt.Token)
}

func (m *MockMQTTClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return m.Called(topic, qos, retained, payload).Get(0).(mqtt.Token)
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return m.Called(topic, qos, callback).Get(0).(mqtt.Token)
}

func (m *MockMQTTClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return m.Called(filters, callback).Get(0).(mqtt.Token)
}

func (m *MockMQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	return m.Called(topics).Get(0).(mqtt.Token)
}

func (m *MockMQTTClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	m.Called(topic, callback)
}

func (m *MockMQTTClient) OptionsReader() mqtt.ClientOptionsReader {
	return m.Called().Get(0).(mqtt.ClientOptionsReader)
}

var _ mqtt.Client = &MockMQTTClient{}

// MockToken completes when its done channel is closed; tests close it up
// front or from a Run hook.
type MockToken struct {
	mock.Mock

	done chan struct{}
}

func NewMockToken(completed bool) *MockToken {
	t := &MockToken{done: make(chan struct{})}
	if completed {
		close(t.done)
	}
	return t
}

func (m *MockToken) Complete() {
	close(m.done)
}

func (m *MockToken) Wait() bool {
	<-m.done
	return true
}

func (m *MockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-m.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (m *MockToken) Done() <-chan struct{} {
	return m.done
}

func (m *MockToken) Error() error {
	return m.Called().Error(0)
}

var _ mqtt.Token = &MockToken{}

type MockPulsarClient struct {
	mock.Mock
}

func (m *MockPulsarClient) NewConsumer(config pulsar.ConsumerConfig) (pulsar.Consumer, error) {
	args := m.Called(config)

	var err error
	var consumer pulsar.Consumer
	if consInt := args.Get(0); consInt != nil {
		consumer = consInt.(pulsar.Consumer)
	}
	if errInt := args.Get(1); errInt != nil {
		err = errInt.(error)
	}
	return consumer, err
}

var _ pulsar.Client = &MockPulsarClient{}

type MockPulsarConsumer struct {
	mock.Mock
}

func (m *MockPulsarConsumer) ReceiveAndHandle(ctx context.Context, handler pulsar.PayloadHandler) {
	m.Called(ctx, handler)
}

func (m *MockPulsarConsumer) Stop() {
	m.Called()
}

var _ pulsar.Consumer = &MockPulsarConsumer{}
