package posture

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/posture.report/internal/keypoint"
)

// ErrNoCalibrationData is returned when a pair was never seen with both ends
// above the confidence threshold.
var ErrNoCalibrationData = errors.New("no usable calibration frames")

// Calibrate builds an ideal posture from frames of the user sitting well.
// Each pair's target is the circular mean of its bearing over the frames in
// which both joints meet threshold, so bearings either side of 180 average
// correctly.
func Calibrate(results []keypoint.Result, pairs []ConnectedJoint, tolerance, threshold float64) (IdealPosture, error) {
	if len(pairs) == 0 {
		pairs = UprightPairs
	}
	if err := validateThreshold(threshold); err != nil {
		return IdealPosture{}, err
	}

	ideal := IdealPosture{MinUsableJoints: DefaultMinUsableJoints}
	for _, p := range pairs {
		var angles []float64
		for _, res := range results {
			u, okU := res.Coordinate(p.Upper)
			l, okL := res.Coordinate(p.Lower)
			if !okU || !okL || !u.Valid() || !l.Valid() || u.Confidence < threshold || l.Confidence < threshold {
				continue
			}
			c := Connect(p.Upper, p.Lower, u, l)
			angles = append(angles, c.Angle*math.Pi/180)
		}
		if len(angles) == 0 {
			return IdealPosture{}, fmt.Errorf("%w for %s->%s", ErrNoCalibrationData, p.Upper, p.Lower)
		}
		mean := stat.CircularMean(angles, nil) * 180 / math.Pi
		ideal.Relations = append(ideal.Relations, Relation{
			Upper:       p.Upper,
			Lower:       p.Lower,
			TargetAngle: wrapDegrees(mean),
			Tolerance:   tolerance,
		})
	}

	if n := len(ideal.Joints()); n < ideal.MinUsableJoints {
		ideal.MinUsableJoints = n
	}
	if err := ideal.Validate(); err != nil {
		return IdealPosture{}, err
	}
	return ideal, nil
}
