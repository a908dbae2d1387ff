// Package pipeline drives one inference result at a time through smoothing,
// classification and debouncing, and notifies receivers when the debounced
// posture changes.
package pipeline

import (
	"errors"
	"sync/atomic"

	"github.com/banshee-data/posture.report/internal/keypoint"
	"github.com/banshee-data/posture.report/internal/monitoring"
	"github.com/banshee-data/posture.report/internal/notify"
	"github.com/banshee-data/posture.report/internal/posture"
	"github.com/banshee-data/posture.report/internal/smoothing"
	"github.com/banshee-data/posture.report/internal/timeutil"
)

var logf = monitoring.Component("Pipeline")

// Config holds the initial settings for a Pipeline.
type Config struct {
	Ideal               posture.IdealPosture
	ConfidenceThreshold float64
	PoseChangeFrames    int

	// Framerates is the ladder of framerate settings; nil uses the defaults.
	Framerates     []smoothing.FramerateSetting
	FramerateIndex int

	// Sender receives pose changes; nil disables notification.
	Sender notify.Sender

	Clock     timeutil.Clock
	Observers []Observer
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Frames       uint64 `json:"frames"`
	Unknown      uint64 `json:"unknown"`
	Changes      uint64 `json:"changes"`
	NotifySent   uint64 `json:"notify_sent"`
	NotifyFailed uint64 `json:"notify_failed"`
	Dropped      uint64 `json:"dropped"`
	Held         uint64 `json:"held"`
}

type counters struct {
	frames       atomic.Uint64
	unknown      atomic.Uint64
	changes      atomic.Uint64
	notifySent   atomic.Uint64
	notifyFailed atomic.Uint64
	held         atomic.Uint64
}

// Pipeline owns the session state. Process and the mutators must be called
// from one goroutine at a time; Runner provides that discipline. Stats is
// safe from any goroutine.
type Pipeline struct {
	classifier *posture.Classifier
	ladder     *smoothing.FramerateLadder
	framerate  smoothing.FramerateSetting
	poseFrames int
	session    *Session

	sender    notify.Sender
	clock     timeutil.Clock
	observers []Observer

	stats counters
}

// New validates cfg and starts the first session.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Sender == nil {
		cfg.Sender = notify.Disabled{}
	}
	if cfg.Framerates == nil {
		cfg.Framerates = smoothing.DefaultFramerates()
	}

	classifier, err := posture.NewClassifier(cfg.Ideal, cfg.ConfidenceThreshold)
	if err != nil {
		return nil, err
	}
	ladder, err := smoothing.NewFramerateLadder(cfg.Framerates, cfg.FramerateIndex)
	if err != nil {
		return nil, err
	}
	framerate := ladder.Current()
	session, err := newSession(framerate.Smoothing, cfg.PoseChangeFrames, cfg.Clock)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		classifier: classifier,
		ladder:     ladder,
		framerate:  framerate,
		poseFrames: cfg.PoseChangeFrames,
		session:    session,
		sender:     cfg.Sender,
		clock:      cfg.Clock,
		observers:  append([]Observer(nil), cfg.Observers...),
	}
	logf("session %s started: threshold=%.2f pose_change_frames=%d period=%dms",
		session.ID, cfg.ConfidenceThreshold, cfg.PoseChangeFrames, framerate.PeriodMs)
	return p, nil
}

// AddObserver registers o for every subsequent frame.
func (p *Pipeline) AddObserver(o Observer) {
	p.observers = append(p.observers, o)
}

// Process runs one result through the pipeline. Joints missing from r are
// absent from the smoothed output; a frame without the joints the baseline
// needs classifies as UNKNOWN and still counts toward debouncing.
func (p *Pipeline) Process(r keypoint.Result) CoreResults {
	s := p.session
	s.frames++
	snap := p.classifier.Snapshot()
	threshold := snap.Threshold()

	smoothed := make(map[keypoint.Joint]keypoint.Smoothed, len(r.Coordinates))
	for j, c := range r.Coordinates {
		if !j.Valid() {
			continue
		}
		out := s.bank.Apply(j, c, threshold)
		if out.Held {
			p.stats.held.Add(1)
		}
		smoothed[j] = out
	}

	cls := snap.Classify(smoothed)
	changed := s.detector.Observe(cls.Status)

	ts := r.Timestamp
	if ts.IsZero() {
		ts = p.clock.Now()
	}
	res := CoreResults{
		Frame:               s.frames,
		Session:             s.ID,
		Smoothed:            smoothed,
		Status:              cls.Status,
		Usable:              cls.Usable,
		Deviations:          cls.Deviations,
		PoseChanged:         changed,
		PoseStatus:          s.detector.State(),
		ConfidenceThreshold: threshold,
		Timestamp:           ts,
		Raw:                 r,
	}

	p.stats.frames.Add(1)
	if cls.Status == posture.StatusUnknown {
		p.stats.unknown.Add(1)
	}

	for _, o := range p.observers {
		o.ObserveFrame(res)
	}

	if changed {
		p.stats.changes.Add(1)
		p.notify(res)
	}
	return res
}

func (p *Pipeline) notify(res CoreResults) {
	msg := notify.NewMessage(res.PoseStatus.Current, res.Timestamp, res.Session)
	if err := p.sender.Send(msg); err != nil {
		p.stats.notifyFailed.Add(1)
		if errors.Is(err, notify.ErrNoReceivers) {
			logf("pose changed to %s, no receivers attached", msg.StatusText)
			return
		}
		logf("failed to send pose change %s: %v", msg.StatusText, err)
		return
	}
	p.stats.notifySent.Add(1)
	logf("pose changed to %s (frame %d)", msg.StatusText, res.Frame)
}

// SetConfidenceThreshold applies from the next frame. Values outside [0, 1]
// are rejected.
func (p *Pipeline) SetConfidenceThreshold(v float64) error {
	return p.classifier.SetConfidenceThreshold(v)
}

// SetPoseChangeThreshold sets the debounce length in frames.
func (p *Pipeline) SetPoseChangeThreshold(n int) error {
	if err := p.session.detector.SetThreshold(n); err != nil {
		return err
	}
	p.poseFrames = n
	return nil
}

// SetIdealPosture replaces the classification baseline.
func (p *Pipeline) SetIdealPosture(ideal posture.IdealPosture) error {
	return p.classifier.SetIdealPosture(ideal)
}

// SetDeviationFunc replaces the deviation measure used by the classifier.
func (p *Pipeline) SetDeviationFunc(fn posture.DeviationFunc) error {
	return p.classifier.SetDeviationFunc(fn)
}

// SetFramerate switches to f and resets all filter state. The ladder cursor
// is left where it is.
func (p *Pipeline) SetFramerate(f smoothing.FramerateSetting) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if err := p.session.bank.Reconfigure(f.Smoothing); err != nil {
		return err
	}
	p.framerate = copyFramerate(f)
	logf("framerate set to %dms (%.1f fps), filter reset", f.PeriodMs, f.TargetFPS())
	return nil
}

func copyFramerate(f smoothing.FramerateSetting) smoothing.FramerateSetting {
	return smoothing.FramerateSetting{PeriodMs: f.PeriodMs, Smoothing: f.Smoothing.Clone()}
}

// SetFramerateIndex moves the ladder to i and applies that setting.
func (p *Pipeline) SetFramerateIndex(i int) error {
	prev := p.ladder.Index()
	if err := p.ladder.Set(i); err != nil {
		return err
	}
	if err := p.SetFramerate(p.ladder.Current()); err != nil {
		_ = p.ladder.Set(prev)
		return err
	}
	return nil
}

// IncreaseFramerate steps one rung faster. It reports false at the top.
func (p *Pipeline) IncreaseFramerate() (bool, error) {
	if !p.ladder.Increase() {
		return false, nil
	}
	return true, p.SetFramerate(p.ladder.Current())
}

// DecreaseFramerate steps one rung slower. It reports false at the bottom.
func (p *Pipeline) DecreaseFramerate() (bool, error) {
	if !p.ladder.Decrease() {
		return false, nil
	}
	return true, p.SetFramerate(p.ladder.Current())
}

// Framerate returns the active framerate setting.
func (p *Pipeline) Framerate() smoothing.FramerateSetting { return copyFramerate(p.framerate) }

// FramerateIndex returns the ladder cursor.
func (p *Pipeline) FramerateIndex() int { return p.ladder.Index() }

// ConfidenceThreshold returns the active threshold.
func (p *Pipeline) ConfidenceThreshold() float64 { return p.classifier.ConfidenceThreshold() }

// PoseChangeThreshold returns the debounce length in frames.
func (p *Pipeline) PoseChangeThreshold() int { return p.poseFrames }

// IdealPosture returns the active baseline.
func (p *Pipeline) IdealPosture() posture.IdealPosture { return p.classifier.IdealPosture() }

// PoseStatus returns the debounced state of the current session.
func (p *Pipeline) PoseStatus() posture.PoseStatus { return p.session.detector.State() }

// Session returns the current session.
func (p *Pipeline) Session() *Session { return p.session }

// Reset ends the current session and starts a fresh one with the active
// settings. Filter and debounce state are discarded.
func (p *Pipeline) Reset() error {
	next, err := newSession(p.framerate.Smoothing, p.poseFrames, p.clock)
	if err != nil {
		return err
	}
	prev := p.session
	prev.flush()
	p.session = next
	logf("session %s ended after %d frames, session %s started", prev.ID, prev.frames, next.ID)
	return nil
}

// Stats returns a snapshot of the counters. Dropped is filled in by Runner.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:       p.stats.frames.Load(),
		Unknown:      p.stats.unknown.Load(),
		Changes:      p.stats.changes.Load(),
		NotifySent:   p.stats.notifySent.Load(),
		NotifyFailed: p.stats.notifyFailed.Load(),
		Held:         p.stats.held.Load(),
	}
}

// Close flushes session state and closes the sender.
func (p *Pipeline) Close() error {
	p.session.flush()
	logf("session %s closed after %d frames", p.session.ID, p.session.frames)
	return p.sender.Close()
}
