package smoothing

import (
	"github.com/banshee-data/posture.report/internal/keypoint"
)

// jointState is the recursive state for one joint.
type jointState struct {
	x, y   Cascade
	last   keypoint.Coordinate
	primed bool
}

// Bank owns one filter per joint, all built from the same Settings.
type Bank struct {
	settings Settings
	template Cascade
	joints   [keypoint.NumJoints]jointState
}

// NewBank validates settings and returns a bank with every joint cold.
func NewBank(settings Settings) (*Bank, error) {
	c, err := NewCascade(settings)
	if err != nil {
		return nil, err
	}
	b := &Bank{settings: settings.Clone(), template: *c}
	b.Reset()
	return b, nil
}

// Settings returns a copy of the active settings.
func (b *Bank) Settings() Settings { return b.settings.Clone() }

// Reconfigure swaps in new settings and resets every joint, so filter memory
// computed under different coefficients is never mixed. Invalid settings are
// rejected and the bank keeps running with the previous ones.
func (b *Bank) Reconfigure(settings Settings) error {
	c, err := NewCascade(settings)
	if err != nil {
		return err
	}
	b.settings = settings.Clone()
	b.template = *c
	b.Reset()
	return nil
}

// Reset returns every joint to the cold-start state.
func (b *Bank) Reset() {
	for i := range b.joints {
		b.joints[i] = jointState{x: b.template.clone(), y: b.template.clone()}
	}
}

// Primed reports whether j has received at least one trusted sample.
func (b *Bank) Primed(j keypoint.Joint) bool {
	return j.Valid() && b.joints[j].primed
}

// Apply filters one raw sample for joint j.
//
// The first trusted sample initialises the filter and is returned unchanged.
// Samples below threshold, or with invalid values, leave the state untouched
// and return the previous output flagged as Held.
func (b *Bank) Apply(j keypoint.Joint, raw keypoint.Coordinate, threshold float64) keypoint.Smoothed {
	if !j.Valid() {
		return keypoint.Smoothed{Coordinate: raw, Held: true}
	}
	st := &b.joints[j]

	if !raw.Valid() || raw.Confidence < threshold {
		if !st.primed {
			return keypoint.Smoothed{Coordinate: raw, Held: true}
		}
		return keypoint.Smoothed{Coordinate: st.last, Held: true}
	}

	if !st.primed {
		st.x.Prime(raw.X)
		st.y.Prime(raw.Y)
		st.last = raw
		st.primed = true
		return keypoint.Smoothed{Coordinate: raw}
	}

	out := keypoint.Coordinate{
		X:          st.x.Run(raw.X),
		Y:          st.y.Run(raw.Y),
		Confidence: raw.Confidence,
	}
	st.last = out
	return keypoint.Smoothed{Coordinate: out}
}
