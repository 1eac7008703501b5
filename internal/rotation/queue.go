package rotation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/spinlidar/internal/timeutil"
)

// ErrEmptyQueue is returned by non-waiting reads when no sample is buffered.
var ErrEmptyQueue = errors.New("rotation: pop from an empty queue")

// DefaultWaitInterval is how often a waiting reader re-checks the queue.
const DefaultWaitInterval = 10 * time.Millisecond

// compactThreshold bounds the dead prefix kept ahead of the live samples.
const compactThreshold = 4096

// Queue is an unbounded FIFO of samples, oldest first. One producer appends;
// any number of readers pop, drain or reset. Each operation is atomic, but a
// sequence of operations is not: a Reset racing a NextRotation can split a
// rotation.
type Queue struct {
	mu    sync.Mutex
	items []Sample
	head  int // index of the oldest live sample in items

	clock        timeutil.Clock
	waitInterval time.Duration

	appended   uint64
	popped     uint64
	pushedBack uint64
	resets     uint64
	discarded  uint64
}

// QueueStats are cumulative queue counters.
type QueueStats struct {
	Len        int    `json:"len"`
	Appended   uint64 `json:"appended"`
	Popped     uint64 `json:"popped"`
	PushedBack uint64 `json:"pushed_back"`
	Resets     uint64 `json:"resets"`
	Discarded  uint64 `json:"discarded"`
}

// NewQueue returns an empty Queue. Waiting reads sleep on clock for
// waitInterval between checks.
func NewQueue(clock timeutil.Clock, waitInterval time.Duration) *Queue {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if waitInterval <= 0 {
		waitInterval = DefaultWaitInterval
	}
	return &Queue{clock: clock, waitInterval: waitInterval}
}

// Append adds s at the back.
func (q *Queue) Append(s Sample) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, s)
	q.appended++
}

// PopFront removes and returns the oldest sample. With wait set it polls
// until a sample arrives, forever if nothing is producing; otherwise it
// returns ErrEmptyQueue straight away.
func (q *Queue) PopFront(wait bool) (Sample, error) {
	return q.PopFrontContext(context.Background(), wait)
}

// PopFrontContext is PopFront with a context that ends the wait.
func (q *Queue) PopFrontContext(ctx context.Context, wait bool) (Sample, error) {
	for {
		if s, ok := q.tryPop(); ok {
			return s, nil
		}
		if !wait {
			return Sample{}, ErrEmptyQueue
		}
		if err := ctx.Err(); err != nil {
			return Sample{}, err
		}
		q.clock.Sleep(q.waitInterval)
	}
}

func (q *Queue) tryPop() (Sample, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(q.items) {
		return Sample{}, false
	}
	s := q.items[q.head]
	q.head++
	q.popped++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return s, true
}

// PushFront puts s back in front of the oldest sample, undoing a pop.
func (q *Queue) PushFront(s Sample) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pushedBack++
	if q.head > 0 {
		q.head--
		q.items[q.head] = s
		return
	}
	q.items = append(q.items, Sample{})
	copy(q.items[1:], q.items)
	q.items[0] = s
}

// DrainAll removes and returns every buffered sample, oldest first.
func (q *Queue) DrainAll() []Sample {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Sample, len(q.items)-q.head)
	copy(out, q.items[q.head:])
	q.popped += uint64(len(out))
	q.items = nil
	q.head = 0
	return out
}

// Reset discards every buffered sample.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.discarded += uint64(len(q.items) - q.head)
	q.resets++
	q.items = nil
	q.head = 0
}

// Len returns the number of buffered samples.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// IsEmpty reports whether no samples are buffered.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Len:        len(q.items) - q.head,
		Appended:   q.appended,
		Popped:     q.popped,
		PushedBack: q.pushedBack,
		Resets:     q.resets,
		Discarded:  q.discarded,
	}
}
