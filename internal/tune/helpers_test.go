package tune

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/banshee-data/spinlidar/internal/rotation"
)

// wall is an asymmetric room profile so that no rpm other than the true one
// (and its harmonics) lines rotations up.
func wall(angle float64) uint16 {
	rad := angle * math.Pi / 180
	return uint16(1000 + 400*math.Sin(rad) + 250*math.Cos(2*rad+0.7) + 80*math.Sin(5*rad))
}

// simTarget stamps a sensor spinning at trueRPM with the believed rpm, and
// extracts rotations with the real extractor.
type simTarget struct {
	mu      sync.Mutex
	trueRPM float64
	rate    float64
	now     float64
	rpm     float64
	queue   *rotation.Queue
	resets  int
}

func newSimTarget(trueRPM, rate, believed float64) *simTarget {
	return &simTarget{
		trueRPM: trueRPM,
		rate:    rate,
		now:     12.345,
		rpm:     believed,
		queue:   rotation.NewQueue(nil, 0),
	}
}

func (s *simTarget) SetRPM(rpm float64) error {
	if !(rpm > 0) {
		return rotation.ErrInvalidRPM
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpm = rpm
	return nil
}

func (s *simTarget) RPM() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rpm
}

func (s *simTarget) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.Reset()
	s.resets++
}

func (s *simTarget) NextRotationContext(ctx context.Context, wait bool) ([]rotation.Sample, error) {
	s.mu.Lock()
	need := int(2*60/s.rpm*s.rate) + 2
	for s.queue.Len() < need {
		s.now += 1 / s.rate
		trueAngle := math.Mod(s.now*s.trueRPM/60, 1) * 360
		s.queue.Append(rotation.Sample{
			Distance: wall(trueAngle),
			Angle:    rotation.AngleAt(s.now, 60/s.rpm),
		})
	}
	s.mu.Unlock()
	return rotation.NextRotation(ctx, s.queue, false)
}

// scriptedTarget returns canned rotations in order.
type scriptedTarget struct {
	rotations [][]rotation.Sample
	err       error
	setErr    error
	rpms      []float64
	resets    int
}

func (s *scriptedTarget) SetRPM(rpm float64) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.rpms = append(s.rpms, rpm)
	return nil
}

func (s *scriptedTarget) Reset() { s.resets++ }

func (s *scriptedTarget) NextRotationContext(ctx context.Context, wait bool) ([]rotation.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	if len(s.rotations) == 0 {
		return nil, errors.New("script exhausted")
	}
	r := s.rotations[0]
	s.rotations = s.rotations[1:]
	return r, nil
}

func distances(ds ...uint16) []rotation.Sample {
	out := make([]rotation.Sample, len(ds))
	for i, d := range ds {
		out[i] = rotation.Sample{Distance: d, Angle: float64(i)}
	}
	return out
}
