package mqtt

import "errors"

var (
	ErrNotConnected     = errors.New("mqtt: not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")

	// ErrInvalidQoS rejects QoS values above 2.
	ErrInvalidQoS = errors.New("mqtt: qos must be 0, 1 or 2")

	// ErrInvalidTopic rejects empty topics and topics holding the + or #
	// wildcards, which are only valid in subscriptions.
	ErrInvalidTopic = errors.New("mqtt: invalid publish topic")

	// ErrPayloadTooLarge rejects payloads over the broker-safe limit.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")
)
