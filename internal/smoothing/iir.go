// Package smoothing implements the per-joint recursive low-pass filter that
// removes frame-to-frame jitter from keypoint coordinates.
//
// The filter is a cascade of direct form II second-order sections. It is
// stateful and order dependent: samples must be applied in frame arrival
// order, and nothing here is safe for concurrent use.
package smoothing

// section is one normalised biquad (a0 == 1) with its two delay taps.
type section struct {
	b0, b1, b2 float64
	a1, a2     float64
	tap1, tap2 float64
}

func (s *section) run(x float64) float64 {
	w := x - s.a1*s.tap1 - s.a2*s.tap2
	y := s.b0*w + s.b1*s.tap1 + s.b2*s.tap2
	s.tap2 = s.tap1
	s.tap1 = w
	return y
}

func (s *section) dcGain() float64 {
	return (s.b0 + s.b1 + s.b2) / (1 + s.a1 + s.a2)
}

// prime loads the taps with the steady state reached after an infinitely
// long constant input u and returns the section's steady-state output.
func (s *section) prime(u float64) float64 {
	w := u / (1 + s.a1 + s.a2)
	s.tap1 = w
	s.tap2 = w
	return (s.b0 + s.b1 + s.b2) * w
}

// Cascade is a chain of sections applied in order to a scalar signal.
type Cascade struct {
	sections []section
}

// NewCascade validates settings and returns a zeroed cascade.
func NewCascade(settings Settings) (*Cascade, error) {
	sections, err := settings.normalised()
	if err != nil {
		return nil, err
	}
	return &Cascade{sections: sections}, nil
}

// Run feeds one sample through every section and returns the output.
func (c *Cascade) Run(x float64) float64 {
	for i := range c.sections {
		x = c.sections[i].run(x)
	}
	return x
}

// Prime puts the cascade in the state it would hold after a constant input x,
// so the next Run(x) returns x (up to rounding).
func (c *Cascade) Prime(x float64) {
	for i := range c.sections {
		x = c.sections[i].prime(x)
	}
}

// Stages returns the number of second-order sections.
func (c *Cascade) Stages() int { return len(c.sections) }

func (c *Cascade) clone() Cascade {
	return Cascade{sections: append([]section(nil), c.sections...)}
}
