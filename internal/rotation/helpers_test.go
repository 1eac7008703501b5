package rotation

import (
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/spinlidar/internal/frame"
	"github.com/banshee-data/spinlidar/internal/timeutil"
)

// stampClock takes Now from a MockClock but really sleeps, so a running
// PollLoop does not spin while tests control sample angles.
type stampClock struct {
	*timeutil.MockClock
}

func newStampClock(seconds float64) stampClock {
	return stampClock{timeutil.NewMockClockAt(seconds)}
}

func (stampClock) Sleep(d time.Duration) { time.Sleep(d) }

// feedSource is a goroutine-safe frame.Source fed by tests.
type feedSource struct {
	mu   sync.Mutex
	data []byte
	err  error
}

func (s *feedSource) Feed(b ...byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, b...)
}

func (s *feedSource) FeedFrames(distances ...uint16) {
	for _, d := range distances {
		f := frame.Encode(d, 0)
		s.Feed(f[:]...)
	}
}

func (s *feedSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *feedSource) BytesAvailable() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return len(s.data), nil
}

func (s *feedSource) ReadByte() (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if len(s.data) == 0 {
		return 0, errors.New("read timeout")
	}
	b := s.data[0]
	s.data = s.data[1:]
	return b, nil
}

func samples(pairs ...float64) []Sample {
	out := make([]Sample, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Sample{Distance: uint16(pairs[i]), Angle: pairs[i+1]})
	}
	return out
}

func queueOf(ss ...Sample) *Queue {
	q := NewQueue(nil, 0)
	for _, s := range ss {
		q.Append(s)
	}
	return q
}
