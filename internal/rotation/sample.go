// Package rotation turns decoded sensor frames into angle-stamped samples and
// segments the resulting stream into full rotations.
//
// A Buffer owns the whole pipeline: a PollLoop reads frames from the
// transport, a SampleClock converts the decode time into an angle from the
// configured motor speed, and the samples are appended to a Queue. Readers
// take single samples with Pop or whole sweeps with NextRotation.
package rotation

import (
	"fmt"
	"math"
)

// Sample is one decoded reading.
type Sample struct {
	Distance uint16  `json:"distance"` // raw sensor counts
	Angle    float64 `json:"angle"`    // degrees in [0,360)
}

func (s Sample) String() string {
	return fmt.Sprintf("(%d, %.3f°)", s.Distance, s.Angle)
}

// RelativeAngle returns angle measured from start, normalised to [0,360).
func RelativeAngle(angle, start float64) float64 {
	r := math.Mod(angle-start, 360)
	if r < 0 {
		r += 360
	}
	if r >= 360 {
		r = 0
	}
	return r
}
