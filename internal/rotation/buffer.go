package rotation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/spinlidar/internal/frame"
	"github.com/banshee-data/spinlidar/internal/monitoring"
	"github.com/banshee-data/spinlidar/internal/timeutil"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("rotation: buffer already started")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("rotation: buffer stopped")
)

// Options configure a Buffer. Zero values select the defaults.
type Options struct {
	RPM            float64        // believed motor speed, DefaultRPM if zero
	Clock          timeutil.Clock // time source, timeutil.RealClock if nil
	IdleInterval   time.Duration  // PollLoop sleep when no frame is buffered
	WaitInterval   time.Duration  // waiting reader re-check interval
	VerifyChecksum bool           // drop frames with a bad trailing checksum
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Running         bool        `json:"running"`
	RPM             float64     `json:"rpm"`
	RotationSeconds float64     `json:"rotation_seconds"`
	Queue           QueueStats  `json:"queue"`
	Frames          frame.Stats `json:"frames"`
	IdlePolls       uint64      `json:"idle_polls"`
	Rotations       uint64      `json:"rotations"`
}

// Buffer continuously reads samples from a transport and serves them to
// readers, either one at a time or a rotation at a time.
type Buffer struct {
	clock   *SampleClock
	queue   *Queue
	decoder *frame.Decoder
	loop    *PollLoop

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
	err     error

	rotations atomic.Uint64
}

// NewBuffer builds a Buffer reading frames from src. Call Start to begin
// polling.
func NewBuffer(src frame.Source, opts Options) (*Buffer, error) {
	if opts.RPM == 0 {
		opts.RPM = DefaultRPM
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	clock, err := NewSampleClock(opts.Clock, opts.RPM)
	if err != nil {
		return nil, err
	}
	queue := NewQueue(opts.Clock, opts.WaitInterval)
	decoder := frame.NewDecoder(src, opts.VerifyChecksum)

	return &Buffer{
		clock:   clock,
		queue:   queue,
		decoder: decoder,
		loop:    NewPollLoop(decoder, clock, queue, opts.Clock, opts.IdleInterval),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the PollLoop in its own goroutine.
func (b *Buffer) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrStopped
	}
	if b.started {
		return ErrAlreadyStarted
	}
	b.started = true

	go func() {
		err := b.loop.Run(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			monitoring.Logf("rotation: poll loop exited: %v", err)
		}

		b.mu.Lock()
		b.err = err
		b.stopped = true
		b.mu.Unlock()
		close(b.done)
	}()
	return nil
}

// Stop ends polling. It does not wait for the loop to exit; use Wait.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	b.loop.Stop()
	if !b.started {
		b.started = true
		close(b.done)
	}
}

// Done is closed once the PollLoop has exited.
func (b *Buffer) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the PollLoop exits and returns the transport error that
// ended it, if any.
func (b *Buffer) Wait() error {
	<-b.done
	return b.Err()
}

// Err returns the error that stopped the PollLoop, if any.
func (b *Buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// SetRPM changes the motor speed used to stamp subsequent samples.
func (b *Buffer) SetRPM(rpm float64) error {
	return b.clock.SetRPM(rpm)
}

// RPM returns the current motor speed.
func (b *Buffer) RPM() float64 {
	return b.clock.RPM()
}

// Pop returns the oldest sample; see Queue.PopFront.
func (b *Buffer) Pop(wait bool) (Sample, error) {
	return b.queue.PopFront(wait)
}

// PopContext is Pop with cancellation.
func (b *Buffer) PopContext(ctx context.Context, wait bool) (Sample, error) {
	return b.queue.PopFrontContext(ctx, wait)
}

// NextRotation returns the next full rotation; see NextRotation.
func (b *Buffer) NextRotation(wait bool) ([]Sample, error) {
	return b.NextRotationContext(context.Background(), wait)
}

// NextRotationContext is NextRotation with cancellation.
func (b *Buffer) NextRotationContext(ctx context.Context, wait bool) ([]Sample, error) {
	rot, err := NextRotation(ctx, b.queue, wait)
	if err != nil {
		return nil, err
	}
	b.rotations.Add(1)
	return rot, nil
}

// DrainAll removes and returns all buffered samples, oldest first.
func (b *Buffer) DrainAll() []Sample {
	return b.queue.DrainAll()
}

// Reset discards all buffered samples.
func (b *Buffer) Reset() {
	b.queue.Reset()
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	return b.queue.Len()
}

// IsEmpty reports whether no samples are buffered.
func (b *Buffer) IsEmpty() bool {
	return b.queue.IsEmpty()
}

// Stats returns a snapshot of the pipeline counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	running := b.started && !b.stopped
	b.mu.Unlock()

	return Stats{
		Running:         running,
		RPM:             b.clock.RPM(),
		RotationSeconds: b.clock.RotationSeconds(),
		Queue:           b.queue.Stats(),
		Frames:          b.decoder.Stats(),
		IdlePolls:       b.loop.IdlePolls(),
		Rotations:       b.rotations.Load(),
	}
}
