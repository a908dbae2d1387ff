package api

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/posture.report/internal/keypoint"
	"github.com/banshee-data/posture.report/internal/pipeline"
	"github.com/banshee-data/posture.report/internal/posture"
)

// DefaultHistorySize keeps about a minute of frames at the fastest rung.
const DefaultHistorySize = 1200

// Sample is the per-frame summary kept for charts and the status endpoint.
type Sample struct {
	Frame        uint64         `json:"frame"`
	Session      string         `json:"session"`
	Timestamp    time.Time      `json:"timestamp"`
	Status       posture.Status `json:"status"`
	Debounced    posture.Status `json:"debounced"`
	Usable       int            `json:"usable"`
	MaxDeviation float64        `json:"max_deviation"`
	PoseChanged  bool           `json:"pose_changed,omitempty"`
}

// History is a pipeline.Observer that keeps the most recent frames in a ring.
// ObserveFrame runs on the pipeline goroutine; readers may be on any
// goroutine, so everything stored is copied.
type History struct {
	mu      sync.RWMutex
	samples []Sample
	raw     []keypoint.Result
	next    int
	full    bool
}

// NewHistory returns a ring of the given size, or DefaultHistorySize when
// size <= 0.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{
		samples: make([]Sample, size),
		raw:     make([]keypoint.Result, size),
	}
}

// ObserveFrame implements pipeline.Observer.
func (h *History) ObserveFrame(res pipeline.CoreResults) {
	s := Sample{
		Frame:       res.Frame,
		Session:     res.Session,
		Timestamp:   res.Timestamp,
		Status:      res.Status,
		Debounced:   res.PoseStatus.Current,
		Usable:      res.Usable,
		PoseChanged: res.PoseChanged,
	}
	for _, d := range res.Deviations {
		if v := math.Abs(d.Value); v > s.MaxDeviation {
			s.MaxDeviation = v
		}
	}
	raw := copyResult(res.Raw)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.next] = s
	h.raw[h.next] = raw
	h.next++
	if h.next == len(h.samples) {
		h.next = 0
		h.full = true
	}
}

func copyResult(r keypoint.Result) keypoint.Result {
	out := r
	if r.Coordinates != nil {
		out.Coordinates = make(map[keypoint.Joint]keypoint.Coordinate, len(r.Coordinates))
		for j, c := range r.Coordinates {
			out.Coordinates[j] = c
		}
	}
	return out
}

// Len returns the number of frames held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lenLocked()
}

func (h *History) lenLocked() int {
	if h.full {
		return len(h.samples)
	}
	return h.next
}

// indexes returns ring positions of the last n frames, oldest first.
func (h *History) indexes(n int) []int {
	held := h.lenLocked()
	if n <= 0 || n > held {
		n = held
	}
	out := make([]int, n)
	start := h.next - n
	if start < 0 {
		start += len(h.samples)
	}
	for i := range out {
		out[i] = (start + i) % len(h.samples)
	}
	return out
}

// Samples returns up to the last n samples, oldest first. n <= 0 returns all.
func (h *History) Samples(n int) []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx := h.indexes(n)
	out := make([]Sample, len(idx))
	for i, k := range idx {
		out[i] = h.samples[k]
	}
	return out
}

// Results returns up to the last n raw results, oldest first, for
// calibration.
func (h *History) Results(n int) []keypoint.Result {
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx := h.indexes(n)
	out := make([]keypoint.Result, len(idx))
	for i, k := range idx {
		out[i] = copyResult(h.raw[k])
	}
	return out
}
