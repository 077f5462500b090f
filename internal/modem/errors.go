package modem

import "errors"

// Domain-specific errors for modem transport operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrPortOpenFailed is returned when the serial port cannot be opened.
	ErrPortOpenFailed = errors.New("modem: serial port open failed")

	// ErrTimeout is returned when no terminator arrived within the exchange deadline.
	ErrTimeout = errors.New("modem: command timed out")

	// ErrCommandRejected is returned when the modem answered with an error token.
	// The raw response is still returned alongside so callers can inspect it.
	ErrCommandRejected = errors.New("modem: command rejected")

	// ErrClosed is returned when the transport has been shut down.
	ErrClosed = errors.New("modem: transport closed")
)
