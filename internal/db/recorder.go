package db

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/posture.report/internal/monitoring"
	"github.com/banshee-data/posture.report/internal/pipeline"
	"github.com/banshee-data/posture.report/internal/posture"
)

var logf = monitoring.Component("History")

// writeTimeout bounds a single queued write.
const writeTimeout = 5 * time.Second

// Recorder is a pipeline.Observer that persists sessions and transitions.
// Writes are queued to a background goroutine so the frame loop never waits
// on disk; a full queue drops the write and counts it.
type Recorder struct {
	db    *DB
	queue chan func(context.Context) error
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	// Touched only from ObserveFrame.
	session string
	frames  uint64
	last    time.Time
	status  posture.Status
}

// RecorderStats counts queued writes.
type RecorderStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// NewRecorder starts the write goroutine. queueSize <= 0 uses 256.
func NewRecorder(db *DB, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Recorder{
		db:    db,
		queue: make(chan func(context.Context) error, queueSize),
		done:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case fn := <-r.queue:
			r.exec(fn)
		case <-r.done:
			for {
				select {
				case fn := <-r.queue:
					r.exec(fn)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) exec(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.failed.Add(1)
		logf("write failed: %v", err)
		return
	}
	r.written.Add(1)
}

func (r *Recorder) enqueue(fn func(context.Context) error) {
	select {
	case <-r.done:
		r.dropped.Add(1)
		return
	default:
	}
	select {
	case r.queue <- fn:
	default:
		r.dropped.Add(1)
	}
}

// ObserveFrame implements pipeline.Observer.
func (r *Recorder) ObserveFrame(res pipeline.CoreResults) {
	if res.Session != r.session {
		if r.session != "" {
			r.endSession()
		}
		id, started := res.Session, res.Timestamp
		r.session = id
		r.status = posture.StatusUnknown
		r.enqueue(func(ctx context.Context) error {
			return r.db.RecordSession(ctx, id, started)
		})
	}
	r.frames = res.Frame
	r.last = res.Timestamp

	if !res.PoseChanged {
		return
	}
	t := Transition{
		SessionID:    res.Session,
		Frame:        res.Frame,
		From:         r.status,
		To:           res.PoseStatus.Current,
		Usable:       res.Usable,
		MaxDeviation: maxDeviation(res.Deviations),
		Timestamp:    res.Timestamp,
	}
	r.status = res.PoseStatus.Current
	r.enqueue(func(ctx context.Context) error {
		_, err := r.db.RecordTransition(ctx, t)
		return err
	})
}

func (r *Recorder) endSession() {
	id, ended, frames := r.session, r.last, r.frames
	r.enqueue(func(ctx context.Context) error {
		return r.db.EndSession(ctx, id, ended, frames)
	})
}

func maxDeviation(devs []posture.Deviation) float64 {
	var max float64
	for _, d := range devs {
		if v := math.Abs(d.Value); v > max {
			max = v
		}
	}
	return max
}

// Stats returns the write counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Written: r.written.Load(),
		Failed:  r.failed.Load(),
		Dropped: r.dropped.Load(),
	}
}

// Close ends the current session, drains queued writes and stops the
// goroutine. It must not race with ObserveFrame.
func (r *Recorder) Close() error {
	r.once.Do(func() {
		if r.session != "" {
			r.endSession()
		}
		close(r.done)
		r.wg.Wait()
	})
	return nil
}
