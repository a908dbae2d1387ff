package posture

import (
	"fmt"

	"github.com/banshee-data/posture.report/internal/timeutil"
)

// Detector debounces per-frame statuses. A new status only becomes Current
// after it has been observed on threshold consecutive frames. Not safe for
// concurrent use.
type Detector struct {
	threshold int
	state     PoseStatus
	clock     timeutil.Clock
}

// NewDetector returns a detector in the initial UNKNOWN state. A nil clock
// uses wall time.
func NewDetector(threshold int, clock timeutil.Clock) (*Detector, error) {
	if err := validateFrames(threshold); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Detector{threshold: threshold, clock: clock}, nil
}

func validateFrames(n int) error {
	if n < 1 {
		return fmt.Errorf("pose change threshold must be at least 1 frame, got %d", n)
	}
	return nil
}

// Observe feeds one frame's status and reports whether Current changed on
// this frame.
func (d *Detector) Observe(s Status) bool {
	st := &d.state
	if s == st.Current {
		st.Candidate = st.Current
		st.FramesInCandidate = 0
		return false
	}

	if s == st.Candidate && st.FramesInCandidate > 0 {
		st.FramesInCandidate++
	} else {
		st.Candidate = s
		st.FramesInCandidate = 1
	}

	if st.FramesInCandidate < d.threshold {
		return false
	}
	st.Current = st.Candidate
	st.FramesInCandidate = 0
	st.LastChangeTime = d.clock.Now()
	return true
}

// State returns a copy of the debounce state.
func (d *Detector) State() PoseStatus { return d.state }

// Threshold returns the configured frame count.
func (d *Detector) Threshold() int { return d.threshold }

// SetThreshold changes the frame count. A pending candidate keeps its count
// and flips on its next matching frame if it already meets the new value.
func (d *Detector) SetThreshold(n int) error {
	if err := validateFrames(n); err != nil {
		return err
	}
	d.threshold = n
	return nil
}

// Reset returns to the initial UNKNOWN state.
func (d *Detector) Reset() {
	d.state = PoseStatus{}
}
