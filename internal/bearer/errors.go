package bearer

import "errors"

// Domain-specific errors for bearer operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrSimNotReady is returned when the SIM is absent or PIN-locked.
	ErrSimNotReady = errors.New("bearer: SIM not ready")

	// ErrNotRegistered is returned when the modem is not registered on a
	// home or roaming network.
	ErrNotRegistered = errors.New("bearer: not registered on network")

	// ErrNotAttached is returned when packet service attach failed or lapsed.
	ErrNotAttached = errors.New("bearer: packet service not attached")

	// ErrContextFailed is returned when the PDP context could not be
	// defined or activated.
	ErrContextFailed = errors.New("bearer: PDP context activation failed")

	// ErrNetworkOpenFailed is returned when the module's TCP/IP stack
	// refused to open.
	ErrNetworkOpenFailed = errors.New("bearer: network open failed")

	// ErrUnreachable is returned by the host network bearer when the
	// broker endpoint cannot be resolved.
	ErrUnreachable = errors.New("bearer: endpoint unreachable")
)
