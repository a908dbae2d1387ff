package posture

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/posture.report/internal/keypoint"
)

// ErrInvalidThreshold is returned for confidence thresholds outside [0, 1].
var ErrInvalidThreshold = errors.New("confidence threshold must be within [0, 1]")

// Deviation is the per-relation measurement behind a classification.
type Deviation struct {
	Upper     keypoint.Joint `json:"upper"`
	Lower     keypoint.Joint `json:"lower"`
	Angle     float64        `json:"angle"`
	Target    float64        `json:"target"`
	Value     float64        `json:"deviation"`
	OutOfBand bool           `json:"out_of_band"`
}

// Classification is the outcome of one Classify call.
type Classification struct {
	Status     Status
	Usable     int
	Deviations []Deviation
}

type classifierConfig struct {
	ideal     IdealPosture
	joints    []keypoint.Joint
	threshold float64
	deviation DeviationFunc
}

// Classifier compares smoothed coordinates with an ideal posture. Classify
// is safe to call concurrently with the setters: each call works from one
// configuration snapshot taken at entry.
type Classifier struct {
	mu  sync.Mutex // serialises writers
	cfg atomic.Pointer[classifierConfig]
}

// NewClassifier validates ideal and threshold. The deviation measure starts
// as AngularDeviation.
func NewClassifier(ideal IdealPosture, threshold float64) (*Classifier, error) {
	if err := ideal.Validate(); err != nil {
		return nil, err
	}
	if err := validateThreshold(threshold); err != nil {
		return nil, err
	}
	c := &Classifier{}
	ideal = ideal.Clone()
	c.cfg.Store(&classifierConfig{
		ideal:     ideal,
		joints:    ideal.Joints(),
		threshold: threshold,
		deviation: AngularDeviation,
	})
	return c, nil
}

func validateThreshold(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: got %g", ErrInvalidThreshold, v)
	}
	return nil
}

// update copies the current snapshot, applies fn and publishes the result.
func (c *Classifier) update(fn func(*classifierConfig)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := *c.cfg.Load()
	fn(&next)
	c.cfg.Store(&next)
}

// SetConfidenceThreshold takes effect on the next Classify call.
func (c *Classifier) SetConfidenceThreshold(v float64) error {
	if err := validateThreshold(v); err != nil {
		return err
	}
	c.update(func(cfg *classifierConfig) { cfg.threshold = v })
	return nil
}

// SetIdealPosture takes effect on the next Classify call.
func (c *Classifier) SetIdealPosture(p IdealPosture) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p = p.Clone()
	joints := p.Joints()
	c.update(func(cfg *classifierConfig) {
		cfg.ideal = p
		cfg.joints = joints
	})
	return nil
}

// SetDeviationFunc replaces the deviation measure.
func (c *Classifier) SetDeviationFunc(fn DeviationFunc) error {
	if fn == nil {
		return errors.New("deviation func must not be nil")
	}
	c.update(func(cfg *classifierConfig) { cfg.deviation = fn })
	return nil
}

// ConfidenceThreshold returns the active threshold.
func (c *Classifier) ConfidenceThreshold() float64 { return c.cfg.Load().threshold }

// IdealPosture returns a copy of the active baseline.
func (c *Classifier) IdealPosture() IdealPosture { return c.cfg.Load().ideal.Clone() }

// usable reports whether a smoothed coordinate may feed classification.
func usable(s keypoint.Smoothed, ok bool, threshold float64) bool {
	return ok && !s.Held && s.Valid() && s.Confidence >= threshold
}

// Classify produces the frame status. UNKNOWN wins whenever fewer than
// MinUsableJoints of the baseline's joints are usable or no relation has both
// ends usable. Relations with an unusable end are skipped, and any remaining
// relation outside its band makes the frame BAD.
func (c *Classifier) Classify(coords map[keypoint.Joint]keypoint.Smoothed) Classification {
	return c.Snapshot().Classify(coords)
}

// Snapshot is one immutable classifier configuration. A frame that gates its
// filter input and classifies from the same Snapshot sees one threshold.
type Snapshot struct {
	cfg *classifierConfig
}

// Snapshot returns the configuration in effect now. Later setters do not
// affect it.
func (c *Classifier) Snapshot() Snapshot { return Snapshot{cfg: c.cfg.Load()} }

// Threshold is the snapshot's confidence threshold.
func (s Snapshot) Threshold() float64 { return s.cfg.threshold }

// Classify classifies coords against the snapshot's configuration.
func (s Snapshot) Classify(coords map[keypoint.Joint]keypoint.Smoothed) Classification {
	cfg := s.cfg

	var ok [keypoint.NumJoints]bool
	n := 0
	for _, j := range cfg.joints {
		s, present := coords[j]
		if usable(s, present, cfg.threshold) {
			ok[j] = true
			n++
		}
	}

	out := Classification{Status: StatusUnknown, Usable: n}
	if n < cfg.ideal.MinUsableJoints {
		return out
	}

	bad := false
	for _, r := range cfg.ideal.Relations {
		if !ok[r.Upper] || !ok[r.Lower] {
			continue
		}
		observed := Connect(r.Upper, r.Lower, coords[r.Upper].Coordinate, coords[r.Lower].Coordinate)
		v := cfg.deviation(observed, r)
		d := Deviation{
			Upper:     r.Upper,
			Lower:     r.Lower,
			Angle:     observed.Angle,
			Target:    r.TargetAngle,
			Value:     v,
			OutOfBand: math.IsNaN(v) || math.Abs(v) > r.Tolerance,
		}
		bad = bad || d.OutOfBand
		out.Deviations = append(out.Deviations, d)
	}

	switch {
	case len(out.Deviations) == 0:
		out.Status = StatusUnknown
	case bad:
		out.Status = StatusBad
	default:
		out.Status = StatusGood
	}
	return out
}
