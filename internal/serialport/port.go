// Package serialport reads the raw byte stream of a TFmini-style rangefinder
// from a serial port and exposes it as a non-blocking byte source.
package serialport

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// DefaultPath is the device node of the Raspberry Pi primary UART.
const DefaultPath = "/dev/serial0"

// DefaultReadTimeout bounds a single blocking port read.
const DefaultReadTimeout = time.Second

// Port is the minimal interface needed for a serial port. This abstraction
// enables unit testing without real serial hardware.
type Port interface {
	io.ReadWriter
	io.Closer
}

// TimeoutPort extends Port with a configurable read timeout.
type TimeoutPort interface {
	Port
	SetReadTimeout(timeout time.Duration) error
}

// openPort is replaced in tests.
var openPort = func(path string, mode *serial.Mode) (TimeoutPort, error) {
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Open opens the serial port at path with the given options and wraps it in a
// Transport. Call Monitor on the result to start reading.
func Open(path string, opts PortOptions, readTimeout time.Duration) (*Transport, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	port, err := openPort(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", path, err)
	}

	return NewTransport(port, readTimeout), nil
}
