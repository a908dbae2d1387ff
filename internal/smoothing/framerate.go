package smoothing

import (
	"errors"
	"fmt"
)

// FramerateSetting ties a frame period to the smoothing tuned for it.
type FramerateSetting struct {
	PeriodMs  int      `json:"period_ms"`
	Smoothing Settings `json:"smoothing"`
}

// TargetFPS is the frame rate implied by PeriodMs.
func (f FramerateSetting) TargetFPS() float64 {
	if f.PeriodMs <= 0 {
		return 0
	}
	return 1000 / float64(f.PeriodMs)
}

// Validate rejects non-positive periods and invalid smoothing.
func (f FramerateSetting) Validate() error {
	if f.PeriodMs <= 0 {
		return fmt.Errorf("%w: period_ms must be positive, got %d", ErrInvalidSmoothing, f.PeriodMs)
	}
	return f.Smoothing.Validate()
}

// DefaultSections is a second-order Butterworth low-pass split into two
// sections, shared by every rung of the default ladder.
var DefaultSections = [][]float64{
	{0.03168934, 0.06337869, 0.03168934, 1, -0.41421356, 0},
	{1, 1, 0, 1, -1.0448155, 0.47759225},
}

// DefaultFramerateIndex selects the 667 ms rung.
const DefaultFramerateIndex = 1

var defaultPeriodsMs = []int{1000, 667, 500, 333, 250, 125, 80, 50}

// DefaultFramerates returns the ladder rungs from slowest to fastest.
func DefaultFramerates() []FramerateSetting {
	out := make([]FramerateSetting, len(defaultPeriodsMs))
	for i, p := range defaultPeriodsMs {
		out[i] = FramerateSetting{
			PeriodMs:  p,
			Smoothing: Settings{Sections: DefaultSections}.Clone(),
		}
	}
	return out
}

// FramerateLadder is an ordered set of framerate settings with a cursor.
// Index 0 is the slowest rate.
type FramerateLadder struct {
	settings []FramerateSetting
	current  int
}

// NewFramerateLadder validates every rung up front so stepping the ladder at
// runtime can never select a bad filter.
func NewFramerateLadder(settings []FramerateSetting, current int) (*FramerateLadder, error) {
	if len(settings) == 0 {
		return nil, errors.New("framerate ladder needs at least one setting")
	}
	for i, s := range settings {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("framerate setting %d: %w", i, err)
		}
	}
	if current < 0 || current >= len(settings) {
		return nil, fmt.Errorf("framerate index %d out of range [0, %d]", current, len(settings)-1)
	}
	l := &FramerateLadder{settings: make([]FramerateSetting, len(settings)), current: current}
	for i, s := range settings {
		l.settings[i] = FramerateSetting{PeriodMs: s.PeriodMs, Smoothing: s.Smoothing.Clone()}
	}
	return l, nil
}

// DefaultFramerateLadder returns the built-in ladder at DefaultFramerateIndex.
func DefaultFramerateLadder() *FramerateLadder {
	l, err := NewFramerateLadder(DefaultFramerates(), DefaultFramerateIndex)
	if err != nil {
		panic(err)
	}
	return l
}

// Current returns the selected setting.
func (l *FramerateLadder) Current() FramerateSetting { return l.settings[l.current] }

// Index returns the cursor position.
func (l *FramerateLadder) Index() int { return l.current }

// Len returns the number of rungs.
func (l *FramerateLadder) Len() int { return len(l.settings) }

// Increase moves one rung faster. It reports false at the top of the ladder.
func (l *FramerateLadder) Increase() bool {
	if l.current >= len(l.settings)-1 {
		return false
	}
	l.current++
	return true
}

// Decrease moves one rung slower. It reports false at the bottom.
func (l *FramerateLadder) Decrease() bool {
	if l.current == 0 {
		return false
	}
	l.current--
	return true
}

// Set moves the cursor to i.
func (l *FramerateLadder) Set(i int) error {
	if i < 0 || i >= len(l.settings) {
		return fmt.Errorf("framerate index %d out of range [0, %d]", i, len(l.settings)-1)
	}
	l.current = i
	return nil
}
