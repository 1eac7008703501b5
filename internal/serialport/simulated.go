package serialport

import (
	"io"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/spinlidar/internal/frame"
	"github.com/banshee-data/spinlidar/internal/timeutil"
)

// Room is a rectangular room centred on the sensor, in sensor distance units.
type Room struct {
	HalfWidth float64
	HalfDepth float64
}

// DefaultRoom is a 6m x 4m room measured in centimetres.
var DefaultRoom = Room{HalfWidth: 300, HalfDepth: 200}

// Distance returns the range to the nearest wall at angle degrees.
func (r Room) Distance(angle float64) uint16 {
	rad := angle * math.Pi / 180
	d := math.Inf(1)
	if c := math.Abs(math.Cos(rad)); c > 1e-9 {
		d = r.HalfWidth / c
	}
	if s := math.Abs(math.Sin(rad)); s > 1e-9 {
		d = math.Min(d, r.HalfDepth/s)
	}
	return uint16(math.Min(d, math.MaxUint16))
}

// Frame encodes the reading of a sensor spinning at rpm, seconds after start.
func (r Room) Frame(seconds, rpm float64) [frame.Size]byte {
	angle := math.Mod(seconds*rpm/60, 1) * 360
	return frame.Encode(r.Distance(angle), 0)
}

// WriteFrames writes count consecutive frames sampled at rate frames per
// second to w.
func (r Room) WriteFrames(w io.Writer, rpm, rate float64, count int) error {
	for i := 0; i < count; i++ {
		f := r.Frame(float64(i)/rate, rpm)
		if _, err := w.Write(f[:]); err != nil {
			return err
		}
	}
	return nil
}

// SimulatedPort is a Port that emits frames for a virtual room, for running
// without hardware. Its motor speed is independent of the rpm the reader
// believes, so tuning can be exercised against it.
type SimulatedPort struct {
	room  Room
	rpm   float64
	rate  float64
	clock timeutil.Clock
	start time.Time

	mu      sync.Mutex
	pending []byte
	written []byte
	closed  bool
}

// NewSimulatedPort emits rate frames per second from a sensor spinning at
// rpm. A nil clock uses the wall clock.
func NewSimulatedPort(room Room, rpm, rate float64, clock timeutil.Clock) *SimulatedPort {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if rate <= 0 {
		rate = 1000
	}
	return &SimulatedPort{
		room:  room,
		rpm:   rpm,
		rate:  rate,
		clock: clock,
		start: clock.Now(),
	}
}

// Read waits one frame period and returns the next frame.
func (p *SimulatedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	if len(p.pending) == 0 {
		p.mu.Unlock()
		p.clock.Sleep(time.Duration(float64(time.Second) / p.rate))

		f := p.room.Frame(p.clock.Now().Sub(p.start).Seconds(), p.rpm)
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, ErrClosed
		}
		p.pending = append(p.pending, f[:]...)
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	p.mu.Unlock()
	return n, nil
}

// Write records commands sent to the simulated sensor.
func (p *SimulatedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *SimulatedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Written returns everything written to the port.
func (p *SimulatedPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}
