package adapters

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"mqtt-async-publisher/application"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	pulsar "github.com/tuya/tuya-pulsar-sdk-go"
	"github.com/tuya/tuya-pulsar-sdk-go/pkg/tyutils"
)

func testDeviceEvent() *DeviceEvent {
	return &DeviceEvent{
		DataID:     "1",
		DevID:      "2",
		ProductKey: "ab1",
		Status: []DeviceStatus{
			{
				Code:      "switch",
				Timestamp: uint64(time.Now().Unix()),
				Value:     false,
			},
		},
	}
}

func TestNewTuyaPulsarSource(t *testing.T) {
	source, err := NewTuyaPulsarSource(TuyaPulsarSourceParams{
		AccessID:     "access_id",
		AccessKey:    "123456789012345678901234",
		PulsarClient: &MockPulsarClient{},
	})
	require.NoError(t, err)
	require.NotNil(t, source)
	assert.Equal(t, TuyaDefaultTopicPrefix, source.params.TopicPrefix)
}

func TestNewTuyaPulsarSource_TooShortAccessKey(t *testing.T) {
	source, err := NewTuyaPulsarSource(TuyaPulsarSourceParams{
		AccessID:     "access_id",
		AccessKey:    "access_key",
		PulsarClient: &MockPulsarClient{},
	})
	require.Error(t, err)
	require.Nil(t, source)
}

func TestNewTuyaPulsarSource_NoPulsarClient(t *testing.T) {
	source, err := NewTuyaPulsarSource(TuyaPulsarSourceParams{
		AccessID:     "access_id",
		AccessKey:    "123456789012345678901234",
		PulsarClient: nil,
	})
	require.Error(t, err)
	require.Nil(t, source)
}

func TestTuyaPulsarSource_Run(t *testing.T) {
	accessID := "access_id"
	accessKey := "123456789012345678901234"

	mPulsarClient := &MockPulsarClient{}
	mPulsarConsumer := &MockPulsarConsumer{}

	source, err := NewTuyaPulsarSource(TuyaPulsarSourceParams{
		AccessID:     accessID,
		AccessKey:    accessKey,
		TopicPrefix:  "home/tuya",
		QoS:          application.AtLeastOnce,
		Retain:       true,
		PulsarClient: mPulsarClient,
	})
	require.NoError(t, err)

	event := testDeviceEvent()

	mPulsarClient.On("NewConsumer", mock.Anything).Return(mPulsarConsumer, nil).Once()
	mPulsarConsumer.On("ReceiveAndHandle", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		f := args.Get(1).(pulsar.PayloadHandler)
		err := f.HandlePayload(context.Background(), nil, buildPulsarPayload(t, event, accessKey))
		require.NoError(t, err)
	}).Return().Once()
	mPulsarConsumer.On("Stop").Return().Once()

	var received []application.Message
	err = source.Run(context.Background(), func(ctx context.Context, msg application.Message) error {
		received = append(received, msg)
		return nil
	})
	assert.NoError(t, err)
	require.Len(t, received, 1)

	msg := received[0]
	assert.Equal(t, "home/tuya/2", msg.Topic)
	assert.Equal(t, "1", msg.CorrelationID)
	assert.Equal(t, application.AtLeastOnce, msg.QoS)
	assert.True(t, msg.Retain)

	var decoded DeviceEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
	assert.Equal(t, event.DevID, decoded.DevID)
	assert.Equal(t, event.ProductKey, decoded.ProductKey)
	require.Len(t, decoded.Status, 1)
	assert.Equal(t, "switch", decoded.Status[0].Code)
	assert.Equal(t, false, decoded.Status[0].Value)

	mPulsarClient.AssertExpectations(t)
	mPulsarConsumer.AssertExpectations(t)
}

func TestTuyaPulsarSource_Run_EmitError(t *testing.T) {
	accessKey := "123456789012345678901234"

	mPulsarClient := &MockPulsarClient{}
	mPulsarConsumer := &MockPulsarConsumer{}

	source, err := NewTuyaPulsarSource(TuyaPulsarSourceParams{
		AccessID:     "access_id",
		AccessKey:    accessKey,
		PulsarClient: mPulsarClient,
	})
	require.NoError(t, err)

	mPulsarClient.On("NewConsumer", mock.Anything).Return(mPulsarConsumer, nil).Once()
	mPulsarConsumer.On("ReceiveAndHandle", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		f := args.Get(1).(pulsar.PayloadHandler)
		err := f.HandlePayload(context.Background(), nil, buildPulsarPayload(t, testDeviceEvent(), accessKey))
		require.ErrorIs(t, err, application.ErrQueueClosed)
	}).Return().Once()
	mPulsarConsumer.On("Stop").Return().Once()

	err = source.Run(context.Background(), func(ctx context.Context, msg application.Message) error {
		return application.ErrQueueClosed
	})
	assert.NoError(t, err)

	mPulsarClient.AssertExpectations(t)
	mPulsarConsumer.AssertExpectations(t)
}

func TestTuyaPulsarSource_Run_FailedToCreateConsumer(t *testing.T) {
	mPulsarClient := &MockPulsarClient{}

	source, err := NewTuyaPulsarSource(TuyaPulsarSourceParams{
		AccessID:     "access_id",
		AccessKey:    "123456789012345678901234",
		PulsarClient: mPulsarClient,
	})
	require.NoError(t, err)

	mPulsarClient.On("NewConsumer", mock.Anything).Return(nil, fmt.Errorf("fail")).Once()

	err = source.Run(context.Background(), func(ctx context.Context, msg application.Message) error {
		return nil
	})
	assert.Error(t, err)

	mPulsarClient.AssertExpectations(t)
}

func TestTuyaPulsarSource_Run_MalformedPayload(t *testing.T) {
	makePayloadFuncs := map[string]func(t *testing.T, event *DeviceEvent, accessKey string) []byte{
		"MalformedPayload": buildPulsarMalformedPayload,
		"MalformedData":    buildPulsarMalformedData,
		"MalformedBase64":  buildPulsarMalformedBase64,
		"MissingDeviceID": func(t *testing.T, event *DeviceEvent, accessKey string) []byte {
			event.DevID = ""
			return buildPulsarPayload(t, event, accessKey)
		},
	}

	for testCase, makePayloadFunc := range makePayloadFuncs {
		t.Run(testCase, func(t *testing.T) {
			accessKey := "123456789012345678901234"

			mPulsarClient := &MockPulsarClient{}
			mPulsarConsumer := &MockPulsarConsumer{}

			source, err := NewTuyaPulsarSource(TuyaPulsarSourceParams{
				AccessID:     "access_id",
				AccessKey:    accessKey,
				PulsarClient: mPulsarClient,
			})
			require.NoError(t, err)

			mPulsarClient.On("NewConsumer", mock.Anything).Return(mPulsarConsumer, nil).Once()
			mPulsarConsumer.On("ReceiveAndHandle", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
				f := args.Get(1).(pulsar.PayloadHandler)
				err := f.HandlePayload(context.Background(), nil, makePayloadFunc(t, testDeviceEvent(), accessKey))
				require.Error(t, err)
			}).Return().Once()
			mPulsarConsumer.On("Stop").Return().Once()

			var received []application.Message
			err = source.Run(context.Background(), func(ctx context.Context, msg application.Message) error {
				received = append(received, msg)
				return nil
			})
			assert.NoError(t, err)
			assert.Empty(t, received)

			mPulsarClient.AssertExpectations(t)
			mPulsarConsumer.AssertExpectations(t)
		})
	}
}

func buildPulsarPayload(t *testing.T, event *DeviceEvent, accessKey string) []byte {
	data, err := json.Marshal(event)
	require.NoError(t, err)

	encData := tyutils.EcbEncrypt(data, []byte(accessKey[8:24]))

	dataBase64 := base64.StdEncoding.EncodeToString(encData)

	payload, err := json.Marshal(map[string]interface{}{"data": dataBase64})
	require.NoError(t, err)

	return payload
}

func buildPulsarMalformedBase64(t *testing.T, event *DeviceEvent, accessKey string) []byte {
	data, err := json.Marshal(event)
	require.NoError(t, err)

	encData := tyutils.EcbEncrypt(data, []byte(accessKey[8:24]))

	dataBase64 := base64.StdEncoding.EncodeToString(encData)
	dataBase64 += "Ó"

	payload, err := json.Marshal(map[string]interface{}{"data": dataBase64})
	require.NoError(t, err)

	return payload
}

func buildPulsarMalformedData(t *testing.T, event *DeviceEvent, accessKey string) []byte {
	data, err := json.Marshal(event)
	require.NoError(t, err)

	encData := tyutils.EcbEncrypt(data[len(data)/2:], []byte(accessKey[8:24]))

	dataBase64 := base64.StdEncoding.EncodeToString(encData)

	payload, err := json.Marshal(map[string]interface{}{"data": dataBase64})
	require.NoError(t, err)

	return payload
}

func buildPulsarMalformedPayload(t *testing.T, event *DeviceEvent, accessKey string) []byte {
	data, err := json.Marshal(event)
	require.NoError(t, err)

	encData := tyutils.EcbEncrypt(data, []byte(accessKey[8:24]))

	dataBase64 := base64.StdEncoding.EncodeToString(encData)

	payload, err := json.Marshal(map[string]interface{}{"data": dataBase64})
	require.NoError(t, err)

	return payload[len(payload)/2:]
}
