package posture

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// DeviationFunc measures how far an observed segment is from its target, in
// degrees. The classifier compares the absolute value to the tolerance.
type DeviationFunc func(observed ConnectedJoint, target Relation) float64

// AngularDeviation is the signed difference between the observed bearing and
// the target, wrapped into (-180, 180].
func AngularDeviation(observed ConnectedJoint, target Relation) float64 {
	return wrapDegrees(observed.Angle - target.TargetAngle)
}

// OffsetDeviation compares the observed offset direction with the target
// direction and returns the unsigned angle between them. Unlike
// AngularDeviation it only depends on Offset, so callers that build
// ConnectedJoint by hand need not fill in Angle.
func OffsetDeviation(observed ConnectedJoint, target Relation) float64 {
	n := r2.Norm(observed.Offset)
	if n == 0 {
		return 0
	}
	cos := r2.Dot(r2.Scale(1/n, observed.Offset), direction(target.TargetAngle))
	cos = math.Max(-1, math.Min(1, cos))
	return math.Acos(cos) * 180 / math.Pi
}

func wrapDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d > 180 {
		d -= 360
	} else if d <= -180 {
		d += 360
	}
	return d
}
