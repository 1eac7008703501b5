package rotation

import (
	"errors"
	"math"
	"sync/atomic"

	"github.com/banshee-data/spinlidar/internal/timeutil"
)

// ErrInvalidRPM is returned for a motor speed that is not a positive, finite number.
var ErrInvalidRPM = errors.New("rotation: rpm must be positive and finite")

// DefaultRPM is the motor speed assumed until told otherwise.
const DefaultRPM = 100.0

// AngleAt maps a wall-clock time in seconds onto the rotation:
// (now mod rotationSeconds) * 360 / rotationSeconds, in [0,360).
func AngleAt(now, rotationSeconds float64) float64 {
	a := math.Mod(now, rotationSeconds) * 360 / rotationSeconds
	if a < 0 {
		a += 360
	}
	if a >= 360 {
		a = 0
	}
	return a
}

// SampleClock derives sample angles from the wall clock and the believed
// motor speed. The speed may be changed at any time; samples already taken
// keep the angle they were stamped with.
type SampleClock struct {
	clock timeutil.Clock
	rpm   atomic.Uint64 // math.Float64bits
}

// NewSampleClock returns a SampleClock reading time from clock.
func NewSampleClock(clock timeutil.Clock, rpm float64) (*SampleClock, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	c := &SampleClock{clock: clock}
	if err := c.SetRPM(rpm); err != nil {
		return nil, err
	}
	return c, nil
}

// SetRPM sets the believed motor speed.
func (c *SampleClock) SetRPM(rpm float64) error {
	if !(rpm > 0) || math.IsInf(rpm, 0) {
		return ErrInvalidRPM
	}
	c.rpm.Store(math.Float64bits(rpm))
	return nil
}

// RPM returns the believed motor speed.
func (c *SampleClock) RPM() float64 {
	return math.Float64frombits(c.rpm.Load())
}

// RotationSeconds returns the duration of one revolution, 60/rpm.
func (c *SampleClock) RotationSeconds() float64 {
	return 60 / c.RPM()
}

// Angle returns the angle for a sample decoded now.
func (c *SampleClock) Angle() float64 {
	return AngleAt(timeutil.UnixSeconds(c.clock.Now()), c.RotationSeconds())
}
