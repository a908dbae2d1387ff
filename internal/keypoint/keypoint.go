// Package keypoint defines the contract between the pose-estimation model and
// the posture pipeline: body landmarks, their per-frame coordinates and the
// per-frame inference Result.
package keypoint

import (
	"fmt"
	"math"
	"time"
)

// Joint identifies a tracked body landmark. The numeric order matches the
// order in which the model emits body parts.
type Joint uint8

const (
	HeadTop Joint = iota
	UpperNeck
	RightShoulder
	RightElbow
	RightWrist
	Thorax
	LeftShoulder
	LeftElbow
	LeftWrist
	Pelvis
	RightHip
	RightKnee
	RightAnkle
	LeftHip
	LeftKnee
	LeftAnkle

	// NumJoints is the number of landmarks produced per frame.
	NumJoints = int(LeftAnkle) + 1
)

var jointNames = [NumJoints]string{
	HeadTop:       "head_top",
	UpperNeck:     "upper_neck",
	RightShoulder: "right_shoulder",
	RightElbow:    "right_elbow",
	RightWrist:    "right_wrist",
	Thorax:        "thorax",
	LeftShoulder:  "left_shoulder",
	LeftElbow:     "left_elbow",
	LeftWrist:     "left_wrist",
	Pelvis:        "pelvis",
	RightHip:      "right_hip",
	RightKnee:     "right_knee",
	RightAnkle:    "right_ankle",
	LeftHip:       "left_hip",
	LeftKnee:      "left_knee",
	LeftAnkle:     "left_ankle",
}

// Valid reports whether j is one of the enumerated landmarks.
func (j Joint) Valid() bool {
	return int(j) < NumJoints
}

func (j Joint) String() string {
	if !j.Valid() {
		return fmt.Sprintf("joint(%d)", uint8(j))
	}
	return jointNames[j]
}

// ParseJoint maps a snake_case landmark name back to its Joint.
func ParseJoint(name string) (Joint, error) {
	for i, n := range jointNames {
		if n == name {
			return Joint(i), nil
		}
	}
	return 0, fmt.Errorf("unknown joint %q", name)
}

// AllJoints returns every landmark in model order.
func AllJoints() []Joint {
	joints := make([]Joint, NumJoints)
	for i := range joints {
		joints[i] = Joint(i)
	}
	return joints
}

// MarshalText implements encoding.TextMarshaler so joints can key JSON maps.
func (j Joint) MarshalText() ([]byte, error) {
	if !j.Valid() {
		return nil, fmt.Errorf("invalid joint %d", uint8(j))
	}
	return []byte(jointNames[j]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (j *Joint) UnmarshalText(text []byte) error {
	parsed, err := ParseJoint(string(text))
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

// Coordinate is a landmark's estimated image position plus the detector's
// confidence in that estimate for the frame.
type Coordinate struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"c"`
}

// Valid is false for non-finite positions or a confidence outside [0, 1].
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.X) || math.IsInf(c.X, 0) || math.IsNaN(c.Y) || math.IsInf(c.Y, 0) {
		return false
	}
	return c.Confidence >= 0 && c.Confidence <= 1
}

// Result is one processed video frame as handed over by the model. Joints
// the model did not emit are absent from Coordinates.
type Result struct {
	Coordinates       map[Joint]Coordinate
	OverallConfidence float64
	Timestamp         time.Time
}

// Coordinate returns the coordinate for j and whether it was present.
func (r Result) Coordinate(j Joint) (Coordinate, bool) {
	c, ok := r.Coordinates[j]
	return c, ok
}

// Smoothed is a filtered coordinate. Held marks a frame where the raw sample
// was rejected by confidence gating and the previous output was repeated.
type Smoothed struct {
	Coordinate
	Held bool `json:"held,omitempty"`
}
