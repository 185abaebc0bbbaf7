package adapters

import "errors"

var (
	ErrMQTTNotConnected   = errors.New("not connected")
	ErrMQTTConnectTimeout = errors.New("connect timeout")

	ErrTopicInvalid    = errors.New("invalid topic")
	ErrPayloadTooLarge = errors.New("payload too large")
)
