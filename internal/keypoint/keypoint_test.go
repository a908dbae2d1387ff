package keypoint

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestJointNamesRoundTrip(t *testing.T) {
	for _, j := range AllJoints() {
		got, err := ParseJoint(j.String())
		if err != nil {
			t.Fatalf("ParseJoint(%q) error: %v", j.String(), err)
		}
		if got != j {
			t.Errorf("ParseJoint(%q) = %v, want %v", j.String(), got, j)
		}
	}
	if len(AllJoints()) != 16 {
		t.Errorf("expected 16 joints, got %d", len(AllJoints()))
	}
}

func TestJointInvalid(t *testing.T) {
	j := Joint(NumJoints)
	if j.Valid() {
		t.Error("Joint(NumJoints) should be invalid")
	}
	if got := j.String(); got != "joint(16)" {
		t.Errorf("String() = %q, want joint(16)", got)
	}
	if _, err := j.MarshalText(); err == nil {
		t.Error("expected MarshalText error for invalid joint")
	}
	if _, err := ParseJoint("tail"); err == nil {
		t.Error("expected error for unknown joint name")
	}
}

func TestCoordinateValid(t *testing.T) {
	tests := []struct {
		name  string
		coord Coordinate
		want  bool
	}{
		{"ok", Coordinate{X: 0.5, Y: 0.5, Confidence: 0.9}, true},
		{"zero confidence", Coordinate{X: 0.5, Y: 0.5, Confidence: 0}, true},
		{"negative confidence", Coordinate{Confidence: -0.1}, false},
		{"confidence above one", Coordinate{Confidence: 1.1}, false},
		{"nan x", Coordinate{X: math.NaN(), Confidence: 0.5}, false},
		{"inf y", Coordinate{Y: math.Inf(1), Confidence: 0.5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.coord.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseResult(t *testing.T) {
	payload := []byte(`{"ts": 1700000000123, "confidence": 0.75, "joints": {
		"head_top": {"x": 0.5, "y": 0.1, "c": 0.9},
		"thorax": {"x": 0.52, "y": 0.4, "c": 0.8},
		"tail": {"x": 0.1, "y": 0.1, "c": 0.9},
		"pelvis": {"x": 0.5, "y": 0.7, "c": 1.7}
	}}`)

	res, defects, err := ParseResult(payload)
	if err != nil {
		t.Fatalf("ParseResult error: %v", err)
	}
	if defects != 2 {
		t.Errorf("defects = %d, want 2", defects)
	}
	if len(res.Coordinates) != 2 {
		t.Fatalf("expected 2 coordinates, got %d", len(res.Coordinates))
	}
	if c, ok := res.Coordinate(HeadTop); !ok || c.Y != 0.1 {
		t.Errorf("head_top = %+v, %v", c, ok)
	}
	if _, ok := res.Coordinate(Pelvis); ok {
		t.Error("pelvis with invalid confidence should have been dropped")
	}
	if want := time.UnixMilli(1700000000123); !res.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", res.Timestamp, want)
	}
	if res.OverallConfidence != 0.75 {
		t.Errorf("OverallConfidence = %v, want 0.75", res.OverallConfidence)
	}
}

func TestParseResultErrors(t *testing.T) {
	if _, _, err := ParseResult(nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("expected ErrEmptyPayload, got %v", err)
	}
	if _, _, err := ParseResult([]byte("not json")); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestMarshalResultRoundTrip(t *testing.T) {
	in := Result{
		Coordinates: map[Joint]Coordinate{
			UpperNeck: {X: 0.4, Y: 0.2, Confidence: 0.6},
			LeftKnee:  {X: 0.3, Y: 0.9, Confidence: 0.1},
		},
		OverallConfidence: 0.5,
		Timestamp:         time.UnixMilli(1700000000000),
	}
	data, err := MarshalResult(in)
	if err != nil {
		t.Fatalf("MarshalResult error: %v", err)
	}
	out, defects, err := ParseResult(data)
	if err != nil {
		t.Fatalf("ParseResult error: %v", err)
	}
	if defects != 0 {
		t.Errorf("defects = %d, want 0", defects)
	}
	if out.Coordinates[LeftKnee] != in.Coordinates[LeftKnee] {
		t.Errorf("left_knee = %+v, want %+v", out.Coordinates[LeftKnee], in.Coordinates[LeftKnee])
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
}
