// Package tune estimates the true motor speed by searching for the rpm at
// which consecutive rotations line up.
package tune

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/spinlidar/internal/rotation"
)

// ErrEmptyRotation is returned when a rotation contains no samples, which
// makes the error undefined.
var ErrEmptyRotation = errors.New("tune: empty rotation")

// Target is the part of rotation.Buffer the tuner drives.
type Target interface {
	SetRPM(rpm float64) error
	Reset()
	NextRotationContext(ctx context.Context, wait bool) ([]rotation.Sample, error)
}

// Measurement is one evaluation of the objective.
type Measurement struct {
	RPM      float64
	Error    float64
	SamplesA int
	SamplesB int
}

// RotationError sets rpm on target, discards buffered samples and compares
// the next two rotations. The error is the sum of squared distance
// differences over the zipped samples divided by the shorter rotation
// length. When rpm matches the motor, sample i of each rotation faces the
// same direction and the error is near zero.
func RotationError(ctx context.Context, target Target, rpm float64) (Measurement, error) {
	m := Measurement{RPM: rpm}

	if err := target.SetRPM(rpm); err != nil {
		return m, err
	}
	target.Reset()

	first, err := target.NextRotationContext(ctx, true)
	if err != nil {
		return m, fmt.Errorf("failed to read first rotation: %w", err)
	}
	second, err := target.NextRotationContext(ctx, true)
	if err != nil {
		return m, fmt.Errorf("failed to read second rotation: %w", err)
	}
	m.SamplesA, m.SamplesB = len(first), len(second)

	n := min(len(first), len(second))
	if n == 0 {
		return m, ErrEmptyRotation
	}

	var sum float64
	for i := 0; i < n; i++ {
		d := float64(first[i].Distance) - float64(second[i].Distance)
		sum += d * d
	}
	m.Error = sum / float64(n)
	return m, nil
}
