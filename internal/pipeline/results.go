package pipeline

import (
	"time"

	"github.com/banshee-data/posture.report/internal/keypoint"
	"github.com/banshee-data/posture.report/internal/posture"
)

// CoreResults is the per-frame outcome. It is built once per frame and must
// be treated as read-only by observers.
type CoreResults struct {
	Frame               uint64                               `json:"frame"`
	Session             string                               `json:"session"`
	Smoothed            map[keypoint.Joint]keypoint.Smoothed `json:"smoothed"`
	Status              posture.Status                       `json:"status"`
	Usable              int                                  `json:"usable"`
	Deviations          []posture.Deviation                  `json:"deviations,omitempty"`
	PoseChanged         bool                                 `json:"pose_changed"`
	PoseStatus          posture.PoseStatus                   `json:"pose_status"`
	ConfidenceThreshold float64                              `json:"confidence_threshold"`
	Timestamp           time.Time                            `json:"timestamp"`

	// Raw is the input frame, kept for calibration.
	Raw keypoint.Result `json:"-"`
}

// Observer receives every frame synchronously on the processing goroutine.
// Implementations must return quickly and must not call back into the
// Pipeline.
type Observer interface {
	ObserveFrame(CoreResults)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(CoreResults)

func (f ObserverFunc) ObserveFrame(r CoreResults) { f(r) }
