package rotation

import "context"

// AngleTolerance absorbs jitter when deciding whether the relative angle has
// wrapped: a sample counts as part of the current rotation while its relative
// angle exceeds the previous one minus this many degrees.
const AngleTolerance = 1e-3

// SampleSource is what NextRotation reads from. *Queue satisfies it.
type SampleSource interface {
	PopFrontContext(ctx context.Context, wait bool) (Sample, error)
	PushFront(Sample)
}

// NextRotation collects one full sweep from src.
//
// The first sample fixes the start angle. Samples are accepted while their
// angle relative to the start keeps increasing; the first sample whose
// relative angle goes backwards belongs to the next rotation and is pushed
// back onto src.
//
// Every pop honours wait. Without wait, running out of samples mid-sweep
// returns ErrEmptyQueue rather than a partial rotation; the samples taken so
// far are pushed back first so the queue is left as it was found.
func NextRotation(ctx context.Context, src SampleSource, wait bool) ([]Sample, error) {
	first, err := src.PopFrontContext(ctx, wait)
	if err != nil {
		return nil, err
	}

	start := first.Angle
	last := 0.0
	rotation := []Sample{first}

	for {
		s, err := src.PopFrontContext(ctx, wait)
		if err != nil {
			for i := len(rotation) - 1; i >= 0; i-- {
				src.PushFront(rotation[i])
			}
			return nil, err
		}

		rel := RelativeAngle(s.Angle, start)
		if rel > last-AngleTolerance {
			last = rel
			rotation = append(rotation, s)
			continue
		}

		src.PushFront(s)
		return rotation, nil
	}
}
