package serialport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/spinlidar/internal/monitoring"
)

var (
	// ErrReadTimeout is returned by ReadByte when no byte arrives in time.
	ErrReadTimeout = errors.New("serial read timeout")
	// ErrClosed is returned once the transport has been closed.
	ErrClosed = errors.New("serial port closed")
	// ErrWriteFailed is returned when a command is only partly written.
	ErrWriteFailed = errors.New("failed to write to serial port")
)

// InitCommand switches the sensor to its standard 9-byte output mode.
var InitCommand = []byte{0x42, 0x57, 0x02, 0x00, 0x00, 0x00, 0x01, 0x06}

const (
	readChunkSize    = 256
	compactThreshold = 4096
)

// TransportStats counts bytes moved through a Transport.
type TransportStats struct {
	BytesRead    uint64 `json:"bytes_read"`
	BytesWritten uint64 `json:"bytes_written"`
	Buffered     int    `json:"buffered"`
}

// Transport buffers bytes read from a Port by Monitor so that the frame
// decoder can ask how much is available without blocking.
type Transport struct {
	port        Port
	readTimeout time.Duration

	mu     sync.Mutex
	buf    []byte
	head   int
	err    error
	closed bool
	ready  chan struct{}

	commandMu sync.Mutex

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// NewTransport wraps port. readTimeout bounds ReadByte.
func NewTransport(port Port, readTimeout time.Duration) *Transport {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Transport{
		port:        port,
		readTimeout: readTimeout,
		ready:       make(chan struct{}, 1),
	}
}

// Initialize writes the sensor start-up command.
func (t *Transport) Initialize() error {
	if err := t.SendCommand(InitCommand); err != nil {
		return fmt.Errorf("failed to initialise sensor: %w", err)
	}
	return nil
}

// SendCommand writes raw bytes to the port.
func (t *Transport) SendCommand(cmd []byte) error {
	t.commandMu.Lock()
	defer t.commandMu.Unlock()

	n, err := t.port.Write(cmd)
	t.bytesWritten.Add(uint64(max(n, 0)))
	if err != nil {
		return err
	}
	if n != len(cmd) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads from the port until ctx ends, the port fails or the transport
// is closed. A read failure is latched and reported by BytesAvailable and
// ReadByte from then on.
func (t *Transport) Monitor(ctx context.Context) error {
	chunks := make(chan []byte)
	readErr := make(chan error, 1)

	// The blocking Read runs in its own goroutine so the outer loop can
	// observe cancellation.
	go func() {
		defer close(chunks)
		buf := make([]byte, readChunkSize)
		for {
			n, err := t.port.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return t.readFailed(err)

		case chunk, ok := <-chunks:
			if !ok {
				select {
				case err := <-readErr:
					return t.readFailed(err)
				default:
					return ctx.Err()
				}
			}
			t.push(chunk)
		}
	}
}

func (t *Transport) push(chunk []byte) {
	t.mu.Lock()
	if t.head > compactThreshold && t.head*2 > len(t.buf) {
		n := copy(t.buf, t.buf[t.head:])
		t.buf = t.buf[:n]
		t.head = 0
	}
	t.buf = append(t.buf, chunk...)
	t.mu.Unlock()

	t.bytesRead.Add(uint64(len(chunk)))
	t.notify()
}

func (t *Transport) readFailed(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.err = fmt.Errorf("failed to read from serial port: %w", err)
	monitoring.Logf("serialport: %v", t.err)
	t.notify()
	return t.err
}

func (t *Transport) notify() {
	select {
	case t.ready <- struct{}{}:
	default:
	}
}

// BytesAvailable reports how many bytes are buffered.
func (t *Transport) BytesAvailable() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.buf) - t.head; n > 0 {
		return n, nil
	}
	return 0, t.err
}

// ReadByte returns the next buffered byte, waiting up to the read timeout
// for one to arrive. Bytes already buffered are served even after a read
// failure.
func (t *Transport) ReadByte() (byte, error) {
	timer := time.NewTimer(t.readTimeout)
	defer timer.Stop()

	for {
		t.mu.Lock()
		if t.head < len(t.buf) {
			b := t.buf[t.head]
			t.head++
			if t.head == len(t.buf) {
				t.buf = t.buf[:0]
				t.head = 0
			}
			t.mu.Unlock()
			return b, nil
		}
		err := t.err
		t.mu.Unlock()

		if err != nil {
			return 0, err
		}

		select {
		case <-t.ready:
		case <-timer.C:
			return 0, ErrReadTimeout
		}
	}
}

// Stats returns the transport byte counters.
func (t *Transport) Stats() TransportStats {
	t.mu.Lock()
	buffered := len(t.buf) - t.head
	t.mu.Unlock()

	return TransportStats{
		BytesRead:    t.bytesRead.Load(),
		BytesWritten: t.bytesWritten.Load(),
		Buffered:     buffered,
	}
}

// Close closes the port. Pending and future reads fail with ErrClosed once
// the buffer is drained.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.err = ErrClosed
	t.mu.Unlock()
	t.notify()

	return t.port.Close()
}
