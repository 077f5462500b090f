package session

import "errors"

// Domain-specific errors for MQTT session operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrTLSConfigFailed is returned when certificate upload or SSL
	// parameter configuration was rejected by the engine.
	ErrTLSConfigFailed = errors.New("session: TLS configuration failed")

	// ErrServiceStartFailed is returned when the MQTT engine refused to start.
	ErrServiceStartFailed = errors.New("session: MQTT service start failed")

	// ErrClientAcquireFailed is returned when the engine rejected the client slot.
	ErrClientAcquireFailed = errors.New("session: MQTT client acquire failed")

	// ErrConnectFailed is returned when the broker connection was refused
	// or the success token never arrived.
	ErrConnectFailed = errors.New("session: broker connect failed")

	// ErrSubscribeFailed is returned when a topic subscription was rejected.
	ErrSubscribeFailed = errors.New("session: subscribe failed")

	// ErrPublishFailed is returned when the engine rejected a publication.
	ErrPublishFailed = errors.New("session: publish failed")

	// ErrNotConnected is returned when publishing without an established session.
	ErrNotConnected = errors.New("session: not connected")
)
