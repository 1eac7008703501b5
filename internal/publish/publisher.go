// Package publish turns the sample stream into whole rotations and fans them
// out to in-process subscribers and an optional MQTT broker.
package publish

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/spinlidar/internal/monitoring"
	"github.com/banshee-data/spinlidar/internal/rotation"
	"github.com/banshee-data/spinlidar/internal/timeutil"
)

const (
	subscriberBuffer = 4
	errorBackoff     = 100 * time.Millisecond
)

// Source supplies rotations. *rotation.Buffer implements it.
type Source interface {
	NextRotationContext(ctx context.Context, wait bool) ([]rotation.Sample, error)
	RPM() float64
}

// Sink receives every captured rotation.
type Sink interface {
	Publish(rot Rotation) error
}

// Rotation is one captured sweep.
type Rotation struct {
	Seq        uint64            `json:"seq"`
	RPM        float64           `json:"rpm"`
	CapturedAt time.Time         `json:"captured_at"`
	Samples    []rotation.Sample `json:"samples"`
}

// Stats counts publisher activity.
type Stats struct {
	Rotations     uint64 `json:"rotations"`
	Dropped       uint64 `json:"dropped"`
	PublishErrors uint64 `json:"publish_errors"`
	Subscribers   int    `json:"subscribers"`
	Paused        bool   `json:"paused"`
}

// Publisher repeatedly reads rotations from a Source. Subscribers that fall
// behind miss rotations rather than stall the loop.
type Publisher struct {
	src   Source
	sink  Sink
	clock timeutil.Clock

	mu         sync.Mutex
	cond       *sync.Cond
	paused     bool
	busy       bool
	cancelIter context.CancelFunc
	latest     *Rotation
	seq        uint64
	subs       map[int]chan Rotation
	nextID     int

	dropped       atomic.Uint64
	publishErrors atomic.Uint64
}

// NewPublisher reads from src. sink may be nil.
func NewPublisher(src Source, sink Sink, clock timeutil.Clock) *Publisher {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	p := &Publisher{
		src:   src,
		sink:  sink,
		clock: clock,
		subs:  make(map[int]chan Rotation),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Run captures rotations until ctx ends.
func (p *Publisher) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	for {
		iterCtx, err := p.begin(ctx)
		if err != nil {
			return err
		}
		samples, err := p.src.NextRotationContext(iterCtx, true)
		p.end()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if iterCtx.Err() == nil {
				monitoring.Logf("publish: failed to read rotation: %v", err)
				p.clock.Sleep(errorBackoff)
			}
			continue
		}
		p.handle(samples)
	}
}

// begin blocks while paused and marks the loop busy.
func (p *Publisher) begin(ctx context.Context) (context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.paused && ctx.Err() == nil {
		p.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iterCtx, cancel := context.WithCancel(ctx)
	p.busy = true
	p.cancelIter = cancel
	return iterCtx, nil
}

func (p *Publisher) end() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy = false
	p.cancelIter()
	p.cancelIter = nil
	p.cond.Broadcast()
}

func (p *Publisher) handle(samples []rotation.Sample) {
	p.mu.Lock()
	p.seq++
	rot := Rotation{
		Seq:        p.seq,
		RPM:        p.src.RPM(),
		CapturedAt: p.clock.Now(),
		Samples:    samples,
	}
	p.latest = &rot
	for _, ch := range p.subs {
		select {
		case ch <- rot:
		default:
			p.dropped.Add(1)
		}
	}
	p.mu.Unlock()

	if p.sink != nil {
		if err := p.sink.Publish(rot); err != nil {
			p.publishErrors.Add(1)
			monitoring.Debugf("publish: sink rejected rotation %d: %v", rot.Seq, err)
		}
	}
}

// Pause stops the loop and returns once no rotation read is in flight. A
// partly read rotation is left in the queue.
func (p *Publisher) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.paused = true
	if p.cancelIter != nil {
		p.cancelIter()
	}
	for p.busy {
		p.cond.Wait()
	}
}

// Resume restarts a paused loop.
func (p *Publisher) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.cond.Broadcast()
}

// Latest returns the most recent rotation, if any.
func (p *Publisher) Latest() (Rotation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return Rotation{}, false
	}
	return *p.latest, true
}

// Subscribe registers a channel receiving each new rotation.
func (p *Publisher) Subscribe() (int, <-chan Rotation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan Rotation, subscriberBuffer)
	p.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscription.
func (p *Publisher) Unsubscribe(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.subs[id]; ok {
		close(ch)
		delete(p.subs, id)
	}
}

// Stats returns a snapshot of the publisher counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Rotations:     p.seq,
		Dropped:       p.dropped.Load(),
		PublishErrors: p.publishErrors.Load(),
		Subscribers:   len(p.subs),
		Paused:        p.paused,
	}
}
