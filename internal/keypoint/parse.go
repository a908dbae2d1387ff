package keypoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyPayload is returned for blank lines on the result stream.
var ErrEmptyPayload = errors.New("empty result payload")

// resultLine is the JSON line form of a Result as written by the inference
// process: {"ts": 1700000000000, "confidence": 0.8, "joints": {"head_top": {"x": 0.5, "y": 0.1, "c": 0.9}}}
type resultLine struct {
	TimestampMs int64                 `json:"ts"`
	Confidence  float64               `json:"confidence"`
	Joints      map[string]Coordinate `json:"joints"`
}

// ParseResult decodes one JSON line into a Result. Unknown joint names and
// invalid coordinates are dropped from the Result and reported through the
// returned count so callers can account for input defects without failing
// the frame.
func ParseResult(payload []byte) (Result, int, error) {
	if len(payload) == 0 {
		return Result{}, 0, ErrEmptyPayload
	}

	var line resultLine
	if err := json.Unmarshal(payload, &line); err != nil {
		return Result{}, 0, fmt.Errorf("failed to unmarshal result: %w", err)
	}

	res := Result{
		Coordinates:       make(map[Joint]Coordinate, len(line.Joints)),
		OverallConfidence: line.Confidence,
	}
	if line.TimestampMs > 0 {
		res.Timestamp = time.UnixMilli(line.TimestampMs)
	}

	defects := 0
	for name, c := range line.Joints {
		j, err := ParseJoint(name)
		if err != nil || !c.Valid() {
			defects++
			continue
		}
		res.Coordinates[j] = c
	}
	return res, defects, nil
}

// MarshalResult produces the JSON line form accepted by ParseResult.
func MarshalResult(r Result) ([]byte, error) {
	line := resultLine{
		Confidence: r.OverallConfidence,
		Joints:     make(map[string]Coordinate, len(r.Coordinates)),
	}
	if !r.Timestamp.IsZero() {
		line.TimestampMs = r.Timestamp.UnixMilli()
	}
	for j, c := range r.Coordinates {
		if !j.Valid() {
			return nil, fmt.Errorf("invalid joint %d", uint8(j))
		}
		line.Joints[j.String()] = c
	}
	return json.Marshal(line)
}
