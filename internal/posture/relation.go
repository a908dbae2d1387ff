package posture

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/posture.report/internal/keypoint"
)

// ErrInvalidIdealPosture wraps rejected baselines.
var ErrInvalidIdealPosture = errors.New("invalid ideal posture")

// ConnectedJoint is the observed geometry between two joints in one frame.
// Offset points from Lower to Upper in image coordinates (y grows downward)
// and Angle is its bearing in degrees, clockwise from straight up.
type ConnectedJoint struct {
	Upper  keypoint.Joint `json:"upper"`
	Lower  keypoint.Joint `json:"lower"`
	Offset r2.Vec         `json:"-"`
	Angle  float64        `json:"angle"`
}

// Connect measures the segment between two coordinates.
func Connect(upper, lower keypoint.Joint, u, l keypoint.Coordinate) ConnectedJoint {
	off := r2.Sub(r2.Vec{X: u.X, Y: u.Y}, r2.Vec{X: l.X, Y: l.Y})
	return ConnectedJoint{
		Upper:  upper,
		Lower:  lower,
		Offset: off,
		Angle:  bearing(off),
	}
}

// bearing is the clockwise angle from image-up, in (-180, 180].
func bearing(v r2.Vec) float64 {
	if v.X == 0 && v.Y == 0 {
		return 0
	}
	return math.Atan2(v.X, -v.Y) * 180 / math.Pi
}

// direction is the unit vector for a bearing in degrees.
func direction(deg float64) r2.Vec {
	rad := deg * math.Pi / 180
	return r2.Vec{X: math.Sin(rad), Y: -math.Cos(rad)}
}

// Relation is one banded target of the ideal posture.
type Relation struct {
	Upper       keypoint.Joint `json:"upper"`
	Lower       keypoint.Joint `json:"lower"`
	TargetAngle float64        `json:"target_angle"`
	Tolerance   float64        `json:"tolerance"`
}

func (r Relation) String() string {
	return fmt.Sprintf("%s->%s", r.Upper, r.Lower)
}

// Validate checks r names two distinct joints and a sane band.
func (r Relation) Validate() error {
	if !r.Upper.Valid() || !r.Lower.Valid() {
		return fmt.Errorf("%w: relation %s references an unknown joint", ErrInvalidIdealPosture, r)
	}
	if r.Upper == r.Lower {
		return fmt.Errorf("%w: relation %s connects a joint to itself", ErrInvalidIdealPosture, r)
	}
	if math.IsNaN(r.TargetAngle) || math.IsInf(r.TargetAngle, 0) {
		return fmt.Errorf("%w: relation %s target angle is not finite", ErrInvalidIdealPosture, r)
	}
	if !(r.Tolerance > 0 && r.Tolerance <= 180) {
		return fmt.Errorf("%w: relation %s tolerance %g outside (0, 180]", ErrInvalidIdealPosture, r, r.Tolerance)
	}
	return nil
}

// IdealPosture is the calibrated baseline the classifier compares against.
type IdealPosture struct {
	Relations []Relation `json:"relations"`

	// MinUsableJoints is the floor below which a frame is UNKNOWN.
	MinUsableJoints int `json:"min_usable_joints"`
}

// Validate rejects baselines that could never classify a frame.
func (p IdealPosture) Validate() error {
	if len(p.Relations) == 0 {
		return fmt.Errorf("%w: no relations", ErrInvalidIdealPosture)
	}
	if p.MinUsableJoints < 1 {
		return fmt.Errorf("%w: min_usable_joints must be at least 1, got %d", ErrInvalidIdealPosture, p.MinUsableJoints)
	}
	for _, r := range p.Relations {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Joints returns the distinct joints referenced by the relations, in first
// appearance order.
func (p IdealPosture) Joints() []keypoint.Joint {
	var seen [keypoint.NumJoints]bool
	var out []keypoint.Joint
	for _, r := range p.Relations {
		for _, j := range [2]keypoint.Joint{r.Upper, r.Lower} {
			if j.Valid() && !seen[j] {
				seen[j] = true
				out = append(out, j)
			}
		}
	}
	return out
}

// Clone returns a copy that shares no slices with p.
func (p IdealPosture) Clone() IdealPosture {
	return IdealPosture{
		Relations:       append([]Relation(nil), p.Relations...),
		MinUsableJoints: p.MinUsableJoints,
	}
}

// DefaultMinUsableJoints is the floor used by UprightPosture and Calibrate.
const DefaultMinUsableJoints = 2

// UprightPairs is the spine chain used when no relations are configured.
var UprightPairs = []ConnectedJoint{
	{Upper: keypoint.HeadTop, Lower: keypoint.UpperNeck},
	{Upper: keypoint.UpperNeck, Lower: keypoint.Thorax},
	{Upper: keypoint.Thorax, Lower: keypoint.Pelvis},
}

// UprightPosture is a vertical spine chain with the given tolerance.
func UprightPosture(tolerance float64) IdealPosture {
	p := IdealPosture{MinUsableJoints: DefaultMinUsableJoints}
	for _, c := range UprightPairs {
		p.Relations = append(p.Relations, Relation{
			Upper:       c.Upper,
			Lower:       c.Lower,
			TargetAngle: 0,
			Tolerance:   tolerance,
		})
	}
	return p
}
