// Package posture classifies smoothed keypoints against an ideal baseline and
// debounces the resulting status so single noisy frames never flip it.
package posture

import (
	"fmt"
	"time"
)

// Status is the discrete posture classification for a frame.
type Status uint8

const (
	// StatusUnknown is reported when too few joints are trustworthy.
	StatusUnknown Status = iota
	StatusGood
	StatusBad
)

// String returns the canonical upper-case form used on the wire.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusGood:
		return "GOOD"
	case StatusBad:
		return "BAD"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the enumerated values.
func (s Status) Valid() bool {
	return s <= StatusBad
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(text string) (Status, error) {
	switch text {
	case "UNKNOWN":
		return StatusUnknown, nil
	case "GOOD":
		return StatusGood, nil
	case "BAD":
		return StatusBad, nil
	}
	return StatusUnknown, fmt.Errorf("unknown posture status %q", text)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid posture status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PoseStatus is the debounced state owned by a Detector.
type PoseStatus struct {
	Current           Status    `json:"current"`
	Candidate         Status    `json:"candidate"`
	FramesInCandidate int       `json:"frames_in_candidate"`
	LastChangeTime    time.Time `json:"last_change_time"`
}
