package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/spinlidar/internal/frame"
	"github.com/banshee-data/spinlidar/internal/monitoring"
	"github.com/banshee-data/spinlidar/internal/timeutil"
)

// DefaultIdleInterval is how long the PollLoop sleeps when less than a frame
// is buffered.
const DefaultIdleInterval = time.Millisecond

// PollLoop is the single producer feeding a Queue. It runs until Stop is
// called, its context ends or the transport fails; it cannot be restarted.
type PollLoop struct {
	decoder *frame.Decoder
	clock   *SampleClock
	queue   *Queue
	sleeper timeutil.Clock
	idle    time.Duration

	stopped   atomic.Bool
	idlePolls atomic.Uint64
	rejected  atomic.Uint64
}

// NewPollLoop wires a decoder, clock and queue together.
func NewPollLoop(decoder *frame.Decoder, clock *SampleClock, queue *Queue, sleeper timeutil.Clock, idle time.Duration) *PollLoop {
	if sleeper == nil {
		sleeper = timeutil.RealClock{}
	}
	if idle <= 0 {
		idle = DefaultIdleInterval
	}
	return &PollLoop{
		decoder: decoder,
		clock:   clock,
		queue:   queue,
		sleeper: sleeper,
		idle:    idle,
	}
}

// Run polls until stopped. It returns nil after Stop, ctx.Err() when the
// context ends and a wrapped transport error if reading fails. The stop flag
// is checked once per iteration, so a read already in progress completes
// first.
func (p *PollLoop) Run(ctx context.Context) error {
	for {
		if p.stopped.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			p.stopped.Store(true)
			return ctx.Err()
		default:
		}

		if err := p.step(); err != nil {
			p.stopped.Store(true)
			return err
		}
	}
}

func (p *PollLoop) step() error {
	distance, err := p.decoder.Next()
	switch {
	case err == nil:
		// Stamped after the whole frame is read rather than at its header.
		// At 115200 baud the two differ by under a millisecond.
		p.queue.Append(Sample{Distance: distance, Angle: p.clock.Angle()})
	case errors.Is(err, frame.ErrIncomplete):
		p.idlePolls.Add(1)
		p.sleeper.Sleep(p.idle)
	case errors.Is(err, frame.ErrBadHeader), errors.Is(err, frame.ErrChecksum):
		p.rejected.Add(1)
		monitoring.Debugf("rotation: dropped frame: %v", err)
	default:
		return fmt.Errorf("poll loop: %w", err)
	}
	return nil
}

// Stop asks Run to return at the top of its next iteration.
func (p *PollLoop) Stop() {
	p.stopped.Store(true)
}

// Stopped reports whether the loop has been asked to stop or has exited.
func (p *PollLoop) Stopped() bool {
	return p.stopped.Load()
}

// IdlePolls counts iterations that found less than a frame buffered.
func (p *PollLoop) IdlePolls() uint64 {
	return p.idlePolls.Load()
}

// Rejected counts frames dropped for a bad header or checksum.
func (p *PollLoop) Rejected() uint64 {
	return p.rejected.Load()
}
