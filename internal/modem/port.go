package modem

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// PortConfig holds the serial parameters for the modem's AT channel.
type PortConfig struct {
	Device   string // e.g. /dev/ttyUSB2
	BaudRate int    // e.g. 115200
}

// OpenPort opens the modem's serial device at 8N1 with the configured
// baud rate and returns it as a plain byte stream.
//
// The io.ReadWriteCloser seam exists so the transport can be driven by an
// in-memory pipe in tests.
//
// Returns:
//   - io.ReadWriteCloser: Open serial port
//   - error: ErrPortOpenFailed wrapping the driver error
func OpenPort(cfg PortConfig) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPortOpenFailed, cfg.Device, err)
	}

	return port, nil
}
