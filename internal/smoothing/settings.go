package smoothing

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSmoothing wraps every rejected smoothing configuration.
var ErrInvalidSmoothing = errors.New("invalid smoothing settings")

// dcGainTolerance bounds how far a cascade's steady-state gain may sit from
// unity before it is rejected instead of normalised.
const dcGainTolerance = 0.01

// Settings describes a cascade of second-order sections. Each section is
// [b0 b1 b2 a0 a1 a2], the layout produced by common SOS filter design tools.
// An empty cascade disables smoothing.
type Settings struct {
	Sections [][]float64 `json:"sections"`
}

// Validate checks every section for shape, finiteness and pole stability and
// checks the cascade has (near) unit DC gain, so a constant input converges to
// itself instead of being amplified.
func (s Settings) Validate() error {
	_, err := s.normalised()
	return err
}

// DCGain returns the steady-state gain of the cascade as configured.
func (s Settings) DCGain() float64 {
	gain := 1.0
	for _, sec := range s.Sections {
		if len(sec) != 6 {
			return math.NaN()
		}
		gain *= (sec[0] + sec[1] + sec[2]) / (sec[3] + sec[4] + sec[5])
	}
	return gain
}

// normalised validates s and returns sections divided through by a0 with the
// first stage scaled so the cascade gain is exactly one.
func (s Settings) normalised() ([]section, error) {
	sections := make([]section, 0, len(s.Sections))
	gain := 1.0
	for i, raw := range s.Sections {
		if len(raw) != 6 {
			return nil, fmt.Errorf("%w: section %d has %d coefficients, want 6", ErrInvalidSmoothing, i, len(raw))
		}
		for k, v := range raw {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: section %d coefficient %d is not finite", ErrInvalidSmoothing, i, k)
			}
		}
		a0 := raw[3]
		if a0 == 0 {
			return nil, fmt.Errorf("%w: section %d has a0 == 0", ErrInvalidSmoothing, i)
		}
		sec := section{
			b0: raw[0] / a0,
			b1: raw[1] / a0,
			b2: raw[2] / a0,
			a1: raw[4] / a0,
			a2: raw[5] / a0,
		}
		// Stability triangle for 1 + a1 z^-1 + a2 z^-2.
		if math.Abs(sec.a2) >= 1 || math.Abs(sec.a1) >= 1+sec.a2 {
			return nil, fmt.Errorf("%w: section %d is unstable (a1=%g, a2=%g)", ErrInvalidSmoothing, i, sec.a1, sec.a2)
		}
		gain *= sec.dcGain()
		sections = append(sections, sec)
	}

	if math.IsNaN(gain) || math.IsInf(gain, 0) || math.Abs(gain-1) > dcGainTolerance {
		return nil, fmt.Errorf("%w: DC gain %g is not within %.0f%% of 1", ErrInvalidSmoothing, gain, dcGainTolerance*100)
	}
	if len(sections) > 0 {
		sections[0].b0 /= gain
		sections[0].b1 /= gain
		sections[0].b2 /= gain
	}
	return sections, nil
}

// Clone returns a deep copy so callers cannot mutate accepted settings.
func (s Settings) Clone() Settings {
	out := Settings{Sections: make([][]float64, len(s.Sections))}
	for i, sec := range s.Sections {
		out.Sections[i] = append([]float64(nil), sec...)
	}
	return out
}
