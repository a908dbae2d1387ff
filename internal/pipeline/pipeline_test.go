package pipeline

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posture.report/internal/keypoint"
	"github.com/banshee-data/posture.report/internal/monitoring"
	"github.com/banshee-data/posture.report/internal/notify"
	"github.com/banshee-data/posture.report/internal/posture"
	"github.com/banshee-data/posture.report/internal/smoothing"
	"github.com/banshee-data/posture.report/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type recordingSender struct {
	mu     sync.Mutex
	msgs   []notify.Message
	err    error
	closed bool
}

func (s *recordingSender) Send(m notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return s.err
}

func (s *recordingSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSender) sent() []notify.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Message(nil), s.msgs...)
}

// identity ladder so classification follows raw input frame by frame.
var passthrough = []smoothing.FramerateSetting{{PeriodMs: 100}}

func newTestPipeline(t *testing.T, sender notify.Sender, frames int) *Pipeline {
	t.Helper()
	p, err := New(Config{
		Ideal:               posture.UprightPosture(15),
		ConfidenceThreshold: 0.5,
		PoseChangeFrames:    frames,
		Framerates:          passthrough,
		Sender:              sender,
		Clock:               timeutil.NewMockClock(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return p
}

func coord(x, y float64) keypoint.Coordinate {
	return keypoint.Coordinate{X: x, Y: y, Confidence: 0.9}
}

func goodFrame() keypoint.Result {
	return keypoint.Result{Coordinates: map[keypoint.Joint]keypoint.Coordinate{
		keypoint.HeadTop:   coord(0.5, 0.1),
		keypoint.UpperNeck: coord(0.5, 0.2),
		keypoint.Thorax:    coord(0.5, 0.3),
		keypoint.Pelvis:    coord(0.5, 0.6),
	}}
}

func badFrame() keypoint.Result {
	r := goodFrame()
	r.Coordinates[keypoint.HeadTop] = coord(0.65, 0.1)
	return r
}

func TestPipeline_NotifiesOnlyOnChange(t *testing.T) {
	sender := &recordingSender{}
	p := newTestPipeline(t, sender, 3)

	seq := []keypoint.Result{goodFrame(), badFrame(), badFrame(), badFrame(), badFrame()}
	var changed []bool
	for _, r := range seq {
		changed = append(changed, p.Process(r).PoseChanged)
	}
	assert.Equal(t, []bool{false, false, false, true, false}, changed)

	msgs := sender.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, posture.StatusBad, msgs[0].Status)
	assert.Equal(t, "BAD", msgs[0].StatusText)
	assert.Equal(t, p.Session().ID, msgs[0].Session)

	st := p.Stats()
	assert.Equal(t, uint64(5), st.Frames)
	assert.Equal(t, uint64(1), st.Changes)
	assert.Equal(t, uint64(1), st.NotifySent)
}

func TestPipeline_CoreResults(t *testing.T) {
	p := newTestPipeline(t, nil, 2)
	ts := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	r := goodFrame()
	r.Timestamp = ts
	r.Coordinates[keypoint.LeftKnee] = keypoint.Coordinate{X: 0.4, Y: 0.9, Confidence: 0.1}

	res := p.Process(r)
	assert.Equal(t, uint64(1), res.Frame)
	assert.Equal(t, posture.StatusGood, res.Status)
	assert.Equal(t, 4, res.Usable)
	assert.Equal(t, 0.5, res.ConfidenceThreshold)
	assert.True(t, res.Timestamp.Equal(ts))
	assert.Len(t, res.Smoothed, 5)
	assert.True(t, res.Smoothed[keypoint.LeftKnee].Held)
	_, present := res.Smoothed[keypoint.RightAnkle]
	assert.False(t, present, "joints missing from the result stay missing")
	assert.Equal(t, posture.PoseStatus{Current: posture.StatusUnknown, Candidate: posture.StatusGood, FramesInCandidate: 1}, res.PoseStatus)
	assert.Equal(t, uint64(1), p.Stats().Held)
}

func TestPipeline_MalformedResultIsUnknown(t *testing.T) {
	sender := &recordingSender{}
	p := newTestPipeline(t, sender, 2)

	p.Process(goodFrame())
	require.True(t, p.Process(goodFrame()).PoseChanged)

	empty := keypoint.Result{}
	first := p.Process(empty)
	assert.Equal(t, posture.StatusUnknown, first.Status)
	assert.False(t, first.PoseChanged)
	second := p.Process(empty)
	assert.True(t, second.PoseChanged, "UNKNOWN frames count toward debouncing")
	assert.Equal(t, posture.StatusUnknown, p.PoseStatus().Current)

	msgs := sender.sent()
	require.Len(t, msgs, 2)
	assert.Equal(t, "UNKNOWN", msgs[1].StatusText)
	assert.Equal(t, uint64(2), p.Stats().Unknown)
}

func TestPipeline_SendFailureIsSoft(t *testing.T) {
	sender := &recordingSender{err: notify.ErrNoReceivers}
	p := newTestPipeline(t, sender, 1)

	res := p.Process(goodFrame())
	assert.True(t, res.PoseChanged)
	st := p.Stats()
	assert.Equal(t, uint64(1), st.NotifyFailed)
	assert.Zero(t, st.NotifySent)

	sender.err = errors.New("broken pipe")
	p.Process(badFrame())
	assert.Equal(t, uint64(2), p.Stats().NotifyFailed)
}

func TestPipeline_Observers(t *testing.T) {
	p := newTestPipeline(t, nil, 1)
	var frames []uint64
	p.AddObserver(ObserverFunc(func(r CoreResults) { frames = append(frames, r.Frame) }))
	for i := 0; i < 3; i++ {
		p.Process(goodFrame())
	}
	assert.Equal(t, []uint64{1, 2, 3}, frames)
}

func TestPipeline_MutatorsRejectInvalid(t *testing.T) {
	p := newTestPipeline(t, nil, 3)

	assert.ErrorIs(t, p.SetConfidenceThreshold(1.2), posture.ErrInvalidThreshold)
	assert.Equal(t, 0.5, p.ConfidenceThreshold())
	require.NoError(t, p.SetConfidenceThreshold(0.7))
	assert.Equal(t, 0.7, p.Process(goodFrame()).ConfidenceThreshold)

	assert.Error(t, p.SetPoseChangeThreshold(0))
	assert.Equal(t, 3, p.PoseChangeThreshold())
	require.NoError(t, p.SetPoseChangeThreshold(1))
	assert.Equal(t, 1, p.PoseChangeThreshold())

	assert.ErrorIs(t, p.SetIdealPosture(posture.IdealPosture{}), posture.ErrInvalidIdealPosture)
	assert.Len(t, p.IdealPosture().Relations, 3)

	bad := smoothing.FramerateSetting{PeriodMs: 100, Smoothing: smoothing.Settings{Sections: [][]float64{{1, 0, 0, 1, 0, 2}}}}
	assert.ErrorIs(t, p.SetFramerate(bad), smoothing.ErrInvalidSmoothing)
	assert.Equal(t, 100, p.Framerate().PeriodMs)
	assert.Empty(t, p.Framerate().Smoothing.Sections)

	assert.Error(t, p.SetFramerateIndex(3))
	assert.Error(t, p.SetDeviationFunc(nil))
}

func TestPipeline_FramerateResetsFilter(t *testing.T) {
	p, err := New(Config{
		Ideal:               posture.UprightPosture(15),
		ConfidenceThreshold: 0.5,
		PoseChangeFrames:    3,
	})
	require.NoError(t, err)
	assert.Equal(t, smoothing.DefaultFramerateIndex, p.FramerateIndex())

	p.Process(goodFrame())
	moved := p.Process(badFrame())
	head := moved.Smoothed[keypoint.HeadTop]
	assert.Less(t, head.X, 0.65, "filter should lag the jump")

	ok, err := p.IncreaseFramerate()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 500, p.Framerate().PeriodMs)

	// After a reconfigure the next sample for each joint cold-starts.
	after := p.Process(badFrame())
	assert.Equal(t, 0.65, after.Smoothed[keypoint.HeadTop].X)

	require.NoError(t, p.SetFramerateIndex(0))
	ok, err = p.DecreaseFramerate()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1000, p.Framerate().PeriodMs)
}

func TestPipeline_Reset(t *testing.T) {
	sender := &recordingSender{}
	p := newTestPipeline(t, sender, 1)
	first := p.Session().ID
	p.Process(goodFrame())
	require.Equal(t, posture.StatusGood, p.PoseStatus().Current)

	require.NoError(t, p.Reset())
	assert.NotEqual(t, first, p.Session().ID)
	assert.Equal(t, posture.PoseStatus{}, p.PoseStatus())
	assert.Zero(t, p.Session().Frames())

	require.NoError(t, p.Close())
	assert.True(t, sender.closed)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no baseline", Config{ConfidenceThreshold: 0.5, PoseChangeFrames: 1}},
		{"threshold", Config{Ideal: posture.UprightPosture(10), ConfidenceThreshold: 2, PoseChangeFrames: 1}},
		{"frames", Config{Ideal: posture.UprightPosture(10), ConfidenceThreshold: 0.5}},
		{"index", Config{Ideal: posture.UprightPosture(10), ConfidenceThreshold: 0.5, PoseChangeFrames: 1, FramerateIndex: 99}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestMailbox_LatestWins(t *testing.T) {
	m := NewMailbox()
	_, ok := m.Take()
	assert.False(t, ok)

	a := keypoint.Result{OverallConfidence: 0.1}
	b := keypoint.Result{OverallConfidence: 0.2}
	m.Put(a)
	m.Put(b)
	assert.Equal(t, uint64(1), m.Dropped())
	assert.Equal(t, uint64(2), m.Received())

	select {
	case <-m.Ready():
	default:
		t.Fatal("Ready should be signalled")
	}
	got, ok := m.Take()
	require.True(t, ok)
	assert.Equal(t, 0.2, got.OverallConfidence)
	_, ok = m.Take()
	assert.False(t, ok)
}

func TestRunner_ProcessesFramesAndMutators(t *testing.T) {
	sender := &recordingSender{}
	p := newTestPipeline(t, sender, 1)
	seen := make(chan CoreResults, 4)
	p.AddObserver(ObserverFunc(func(r CoreResults) { seen <- r }))

	r := NewRunner(p, NewMailbox(), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	r.Inbox().Put(goodFrame())
	select {
	case res := <-seen:
		assert.Equal(t, posture.StatusGood, res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not processed")
	}

	err := r.Do(ctx, func(p *Pipeline) error { return p.SetConfidenceThreshold(5) })
	assert.ErrorIs(t, err, posture.ErrInvalidThreshold)

	var status posture.PoseStatus
	require.NoError(t, r.Do(ctx, func(p *Pipeline) error {
		status = p.PoseStatus()
		return nil
	}))
	assert.Equal(t, posture.StatusGood, status.Current)
	assert.Equal(t, uint64(1), r.Stats().Frames)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.True(t, sender.closed)
	assert.ErrorIs(t, r.Do(context.Background(), func(*Pipeline) error { return nil }), ErrRunnerStopped)
}
