package posture

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posture.report/internal/keypoint"
	"github.com/banshee-data/posture.report/internal/timeutil"
)

func smoothed(x, y, c float64) keypoint.Smoothed {
	return keypoint.Smoothed{Coordinate: keypoint.Coordinate{X: x, Y: y, Confidence: c}}
}

func uprightFrame() map[keypoint.Joint]keypoint.Smoothed {
	return map[keypoint.Joint]keypoint.Smoothed{
		keypoint.HeadTop:   smoothed(0.5, 0.1, 0.9),
		keypoint.UpperNeck: smoothed(0.5, 0.2, 0.9),
		keypoint.Thorax:    smoothed(0.5, 0.3, 0.9),
		keypoint.Pelvis:    smoothed(0.5, 0.6, 0.9),
	}
}

func TestStatus_StringRoundTrip(t *testing.T) {
	for _, s := range []Status{StatusUnknown, StatusGood, StatusBad} {
		parsed, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	assert.Equal(t, "Status(9)", Status(9).String())
	_, err := ParseStatus("good")
	assert.Error(t, err)

	var zero Status
	assert.Equal(t, StatusUnknown, zero)
}

func TestConnect_Bearing(t *testing.T) {
	tests := []struct {
		name  string
		u, l  keypoint.Coordinate
		angle float64
	}{
		{"straight up", keypoint.Coordinate{X: 0.5, Y: 0.1}, keypoint.Coordinate{X: 0.5, Y: 0.5}, 0},
		{"right", keypoint.Coordinate{X: 0.9, Y: 0.5}, keypoint.Coordinate{X: 0.5, Y: 0.5}, 90},
		{"left", keypoint.Coordinate{X: 0.1, Y: 0.5}, keypoint.Coordinate{X: 0.5, Y: 0.5}, -90},
		{"down", keypoint.Coordinate{X: 0.5, Y: 0.9}, keypoint.Coordinate{X: 0.5, Y: 0.5}, 180},
		{"forward lean", keypoint.Coordinate{X: 0.6, Y: 0.1}, keypoint.Coordinate{X: 0.5, Y: 0.2}, 45},
		{"coincident", keypoint.Coordinate{X: 0.5, Y: 0.5}, keypoint.Coordinate{X: 0.5, Y: 0.5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Connect(keypoint.HeadTop, keypoint.UpperNeck, tt.u, tt.l)
			assert.InDelta(t, tt.angle, c.Angle, 1e-9)
		})
	}
}

func TestDeviationFuncs(t *testing.T) {
	target := Relation{Upper: keypoint.HeadTop, Lower: keypoint.UpperNeck, TargetAngle: 170, Tolerance: 15}
	obs := Connect(keypoint.HeadTop, keypoint.UpperNeck,
		keypoint.Coordinate{X: 0.5 - 0.1*math.Sin(10*math.Pi/180), Y: 0.5 + 0.1*math.Cos(10*math.Pi/180)},
		keypoint.Coordinate{X: 0.5, Y: 0.5})
	// Observed bearing is -170, twenty degrees from 170 across the wrap.
	assert.InDelta(t, 20, AngularDeviation(obs, target), 1e-9)
	assert.InDelta(t, 20, OffsetDeviation(obs, target), 1e-6)

	assert.Equal(t, 0.0, OffsetDeviation(ConnectedJoint{}, target))
	assert.InDelta(t, 180, wrapDegrees(-180), 1e-12)
	assert.InDelta(t, -90, wrapDegrees(270), 1e-12)
}

func TestIdealPosture_Validate(t *testing.T) {
	good := UprightPosture(15)
	require.NoError(t, good.Validate())

	tests := []struct {
		name   string
		mutate func(*IdealPosture)
	}{
		{"no relations", func(p *IdealPosture) { p.Relations = nil }},
		{"zero floor", func(p *IdealPosture) { p.MinUsableJoints = 0 }},
		{"self relation", func(p *IdealPosture) { p.Relations[0].Lower = p.Relations[0].Upper }},
		{"unknown joint", func(p *IdealPosture) { p.Relations[1].Upper = keypoint.Joint(99) }},
		{"zero tolerance", func(p *IdealPosture) { p.Relations[2].Tolerance = 0 }},
		{"wide tolerance", func(p *IdealPosture) { p.Relations[2].Tolerance = 181 }},
		{"nan target", func(p *IdealPosture) { p.Relations[0].TargetAngle = math.NaN() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := UprightPosture(15)
			tt.mutate(&p)
			err := p.Validate()
			assert.True(t, errors.Is(err, ErrInvalidIdealPosture), "got %v", err)
		})
	}
}

func TestIdealPosture_Joints(t *testing.T) {
	want := []keypoint.Joint{keypoint.HeadTop, keypoint.UpperNeck, keypoint.Thorax, keypoint.Pelvis}
	if diff := cmp.Diff(want, UprightPosture(10).Joints()); diff != "" {
		t.Errorf("Joints() mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifier_Classify(t *testing.T) {
	c, err := NewClassifier(UprightPosture(15), 0.5)
	require.NoError(t, err)

	t.Run("baseline is good", func(t *testing.T) {
		got := c.Classify(uprightFrame())
		assert.Equal(t, StatusGood, got.Status)
		assert.Equal(t, 4, got.Usable)
		require.Len(t, got.Deviations, 3)
		for _, d := range got.Deviations {
			assert.False(t, d.OutOfBand)
		}
	})

	t.Run("forward head is bad", func(t *testing.T) {
		frame := uprightFrame()
		frame[keypoint.HeadTop] = smoothed(0.6, 0.1, 0.9)
		got := c.Classify(frame)
		assert.Equal(t, StatusBad, got.Status)
		assert.True(t, got.Deviations[0].OutOfBand)
		assert.InDelta(t, 45, got.Deviations[0].Value, 1e-9)
	})

	t.Run("below floor is unknown regardless of values", func(t *testing.T) {
		frame := map[keypoint.Joint]keypoint.Smoothed{
			keypoint.HeadTop:   smoothed(0.5, 0.1, 0.9),
			keypoint.UpperNeck: smoothed(0.5, 0.2, 0.3),
		}
		got := c.Classify(frame)
		assert.Equal(t, StatusUnknown, got.Status)
		assert.Equal(t, 1, got.Usable)
	})

	t.Run("held joints are not usable", func(t *testing.T) {
		frame := uprightFrame()
		for j, s := range frame {
			if j != keypoint.Pelvis {
				s.Held = true
				frame[j] = s
			}
		}
		assert.Equal(t, StatusUnknown, c.Classify(frame).Status)
	})

	t.Run("no complete relation is unknown", func(t *testing.T) {
		frame := map[keypoint.Joint]keypoint.Smoothed{
			keypoint.HeadTop: smoothed(0.5, 0.1, 0.9),
			keypoint.Pelvis:  smoothed(0.5, 0.6, 0.9),
		}
		got := c.Classify(frame)
		assert.Equal(t, StatusUnknown, got.Status)
		assert.Empty(t, got.Deviations)
	})

	t.Run("incomplete relations are skipped", func(t *testing.T) {
		frame := uprightFrame()
		frame[keypoint.HeadTop] = smoothed(0.9, 0.9, 0.1)
		got := c.Classify(frame)
		assert.Equal(t, StatusGood, got.Status)
		assert.Len(t, got.Deviations, 2)
	})

	t.Run("empty result is unknown", func(t *testing.T) {
		assert.Equal(t, StatusUnknown, c.Classify(nil).Status)
	})
}

func TestClassifier_SnapshotIgnoresLaterSetters(t *testing.T) {
	c, err := NewClassifier(UprightPosture(15), 0.5)
	require.NoError(t, err)

	snap := c.Snapshot()
	require.NoError(t, c.SetConfidenceThreshold(0.95))

	assert.Equal(t, 0.5, snap.Threshold())
	assert.Equal(t, StatusGood, snap.Classify(uprightFrame()).Status)
	assert.Equal(t, 0.95, c.Snapshot().Threshold())
	assert.Equal(t, StatusUnknown, c.Classify(uprightFrame()).Status)
}

func TestClassifier_Setters(t *testing.T) {
	c, err := NewClassifier(UprightPosture(15), 0.5)
	require.NoError(t, err)

	assert.ErrorIs(t, c.SetConfidenceThreshold(1.5), ErrInvalidThreshold)
	assert.ErrorIs(t, c.SetConfidenceThreshold(-0.1), ErrInvalidThreshold)
	assert.ErrorIs(t, c.SetConfidenceThreshold(math.NaN()), ErrInvalidThreshold)
	assert.Equal(t, 0.5, c.ConfidenceThreshold())

	require.NoError(t, c.SetConfidenceThreshold(0.95))
	assert.Equal(t, StatusUnknown, c.Classify(uprightFrame()).Status)

	assert.ErrorIs(t, c.SetIdealPosture(IdealPosture{}), ErrInvalidIdealPosture)
	assert.Len(t, c.IdealPosture().Relations, 3)

	require.NoError(t, c.SetConfidenceThreshold(0.5))
	require.NoError(t, c.SetDeviationFunc(func(ConnectedJoint, Relation) float64 { return 90 }))
	assert.Equal(t, StatusBad, c.Classify(uprightFrame()).Status)
	assert.Error(t, c.SetDeviationFunc(nil))

	_, err = NewClassifier(UprightPosture(15), 2)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
}

func TestClassifier_ConcurrentSetters(t *testing.T) {
	c, err := NewClassifier(UprightPosture(15), 0.5)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = c.SetConfidenceThreshold(float64(i%10) / 10)
			_ = c.SetIdealPosture(UprightPosture(float64(i%20 + 1)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			got := c.Classify(uprightFrame())
			assert.NotEqual(t, StatusBad, got.Status)
		}
	}()
	wg.Wait()
}

func TestCalibrate(t *testing.T) {
	c := func(x, y, conf float64) keypoint.Coordinate {
		return keypoint.Coordinate{X: x, Y: y, Confidence: conf}
	}
	frames := []keypoint.Result{
		{Coordinates: map[keypoint.Joint]keypoint.Coordinate{
			keypoint.HeadTop: c(0.52, 0.1, 0.9), keypoint.UpperNeck: c(0.5, 0.2, 0.9),
			keypoint.Thorax: c(0.5, 0.3, 0.9), keypoint.Pelvis: c(0.5, 0.6, 0.9),
		}},
		{Coordinates: map[keypoint.Joint]keypoint.Coordinate{
			keypoint.HeadTop: c(0.48, 0.1, 0.9), keypoint.UpperNeck: c(0.5, 0.2, 0.9),
			keypoint.Thorax: c(0.5, 0.3, 0.9), keypoint.Pelvis: c(0.5, 0.6, 0.9),
		}},
		{Coordinates: map[keypoint.Joint]keypoint.Coordinate{
			// Low confidence head: excluded from the mean.
			keypoint.HeadTop: c(0.9, 0.1, 0.1), keypoint.UpperNeck: c(0.5, 0.2, 0.9),
		}},
	}

	ideal, err := Calibrate(frames, nil, 12, 0.5)
	require.NoError(t, err)
	require.Len(t, ideal.Relations, 3)
	for _, r := range ideal.Relations {
		assert.InDelta(t, 0, r.TargetAngle, 1e-9, "%s", r)
		assert.Equal(t, 12.0, r.Tolerance)
	}
	assert.Equal(t, DefaultMinUsableJoints, ideal.MinUsableJoints)

	// Bearings either side of the wrap average to 180, not 0.
	wrap := []keypoint.Result{
		{Coordinates: map[keypoint.Joint]keypoint.Coordinate{
			keypoint.LeftHip: c(0.51, 0.9, 1), keypoint.LeftKnee: c(0.5, 0.5, 1),
		}},
		{Coordinates: map[keypoint.Joint]keypoint.Coordinate{
			keypoint.LeftHip: c(0.49, 0.9, 1), keypoint.LeftKnee: c(0.5, 0.5, 1),
		}},
	}
	pairs := []ConnectedJoint{{Upper: keypoint.LeftHip, Lower: keypoint.LeftKnee}}
	ideal, err = Calibrate(wrap, pairs, 10, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 180, math.Abs(ideal.Relations[0].TargetAngle), 1e-9)

	_, err = Calibrate(nil, nil, 10, 0.5)
	assert.ErrorIs(t, err, ErrNoCalibrationData)
}

func TestCalibrate_BaselineClassifiesGood(t *testing.T) {
	frame := uprightFrame()
	frame[keypoint.HeadTop] = smoothed(0.56, 0.1, 0.9)
	res := keypoint.Result{Coordinates: map[keypoint.Joint]keypoint.Coordinate{}}
	for j, s := range frame {
		res.Coordinates[j] = s.Coordinate
	}

	ideal, err := Calibrate([]keypoint.Result{res}, nil, 5, 0.5)
	require.NoError(t, err)
	c, err := NewClassifier(ideal, 0.5)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, StatusGood, c.Classify(frame).Status)
	}
}

func observeAll(d *Detector, seq []Status) []bool {
	out := make([]bool, len(seq))
	for i, s := range seq {
		out[i] = d.Observe(s)
	}
	return out
}

func TestDetector_Debounce(t *testing.T) {
	G, B, U := StatusGood, StatusBad, StatusUnknown
	tests := []struct {
		name      string
		threshold int
		seq       []Status
		want      []bool
		current   Status
	}{
		{
			name:      "flip on third bad",
			threshold: 3,
			seq:       []Status{G, B, B, B},
			want:      []bool{false, false, false, true},
			current:   B,
		},
		{
			name:      "interrupted candidate restarts",
			threshold: 3,
			seq:       []Status{G, B, G, B, B, B},
			want:      []bool{false, false, false, false, false, true},
			current:   B,
		},
		{
			name:      "revert to current clears candidate",
			threshold: 2,
			seq:       []Status{G, G, B, G, B, G},
			want:      []bool{false, true, false, false, false, false},
			current:   G,
		},
		{
			name:      "unknown debounces like the rest",
			threshold: 2,
			seq:       []Status{B, B, U, U},
			want:      []bool{false, true, false, true},
			current:   U,
		},
		{
			name:      "threshold one flips immediately",
			threshold: 1,
			seq:       []Status{G, G, B},
			want:      []bool{true, false, true},
			current:   B,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDetector(tt.threshold, nil)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, observeAll(d, tt.seq)); diff != "" {
				t.Errorf("changed mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.current, d.State().Current)
		})
	}
}

func TestDetector_State(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	d, err := NewDetector(2, clock)
	require.NoError(t, err)

	if diff := cmp.Diff(PoseStatus{}, d.State()); diff != "" {
		t.Errorf("initial state mismatch (-want +got):\n%s", diff)
	}

	d.Observe(StatusGood)
	want := PoseStatus{Current: StatusUnknown, Candidate: StatusGood, FramesInCandidate: 1}
	if diff := cmp.Diff(want, d.State()); diff != "" {
		t.Errorf("pending state mismatch (-want +got):\n%s", diff)
	}

	clock.Advance(time.Second)
	require.True(t, d.Observe(StatusGood))
	want = PoseStatus{Current: StatusGood, Candidate: StatusGood, LastChangeTime: start.Add(time.Second)}
	if diff := cmp.Diff(want, d.State()); diff != "" {
		t.Errorf("changed state mismatch (-want +got):\n%s", diff)
	}

	assert.Error(t, d.SetThreshold(0))
	assert.Equal(t, 2, d.Threshold())
	require.NoError(t, d.SetThreshold(4))

	d.Reset()
	assert.Equal(t, PoseStatus{}, d.State())

	_, err = NewDetector(0, nil)
	assert.Error(t, err)
}
