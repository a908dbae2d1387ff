package smoothing

import (
	"errors"
	"math"
	"testing"

	"github.com/banshee-data/posture.report/internal/keypoint"
)

// thirdOrder is a narrow low-pass used to check attenuation behaviour.
var thirdOrder = [][]float64{
	{8.04235642e-07, 1.60847128e-06, 8.04235642e-07, 1, -8.81618592e-01, 0},
	{1, 2, 1, 1, -1.80155740e+00, 8.15876124e-01},
	{1, 1, 0, 1, -1.91024541e+00, 9.25427983e-01},
}

func TestCascade_EmptyIsIdentity(t *testing.T) {
	c, err := NewCascade(Settings{})
	if err != nil {
		t.Fatalf("NewCascade: %v", err)
	}
	for _, x := range []float64{0, 0, 1, 0, -3.1} {
		if got := c.Run(x); got != x {
			t.Errorf("Run(%v) = %v, want %v", x, got, x)
		}
	}
}

func TestCascade_AttenuatesImpulse(t *testing.T) {
	c, err := NewCascade(Settings{Sections: thirdOrder})
	if err != nil {
		t.Fatalf("NewCascade: %v", err)
	}
	for i := 0; i < 50; i++ {
		x := 0.0
		if i == 30 {
			x = 1
		}
		if got := c.Run(x); got >= 0.1 {
			t.Fatalf("frame %d: output %v not attenuated", i, got)
		}
	}
}

func TestCascade_PassesSlowChanges(t *testing.T) {
	c, err := NewCascade(Settings{Sections: thirdOrder})
	if err != nil {
		t.Fatalf("NewCascade: %v", err)
	}
	input := []float64{
		0.0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9,
		1.0, 1.0, 1.0, 1.0, 1.0, 1.0, 0.9, 0.8, 0.7, 0.6,
		0.5, 0.4, 0.3, 0.2, 0.1,
	}
	input = append(input, make([]float64, 25)...)

	sum := 0.0
	for _, x := range input {
		sum += c.Run(x)
	}
	if sum < 5 {
		t.Errorf("output sum %v, want >= 5", sum)
	}
}

func TestCascade_PrimeHoldsConstant(t *testing.T) {
	c, err := NewCascade(Settings{Sections: DefaultSections})
	if err != nil {
		t.Fatalf("NewCascade: %v", err)
	}
	c.Prime(0.5)
	for i := 0; i < 20; i++ {
		if got := c.Run(0.5); math.Abs(got-0.5) > 1e-9 {
			t.Fatalf("frame %d: got %v, want 0.5", i, got)
		}
	}
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name     string
		sections [][]float64
		wantErr  bool
	}{
		{name: "empty", sections: nil},
		{name: "default", sections: DefaultSections},
		{name: "third order", sections: thirdOrder},
		{name: "short section", sections: [][]float64{{1, 0, 0, 1, 0}}, wantErr: true},
		{name: "zero a0", sections: [][]float64{{1, 0, 0, 0, 0, 0}}, wantErr: true},
		{name: "nan", sections: [][]float64{{math.NaN(), 0, 0, 1, 0, 0}}, wantErr: true},
		{name: "inf", sections: [][]float64{{1, 0, 0, 1, math.Inf(1), 0}}, wantErr: true},
		{name: "pole outside unit circle", sections: [][]float64{{1, 0, 0, 1, 0, 1.2}}, wantErr: true},
		{name: "a1 outside triangle", sections: [][]float64{{3, 0, 0, 1, 1.5, 0.3}}, wantErr: true},
		{name: "gain of two", sections: [][]float64{{2, 0, 0, 1, 0, 0}}, wantErr: true},
		{name: "gain within tolerance", sections: [][]float64{{1.005, 0, 0, 1, 0, 0}}},
		{name: "unnormalised a0", sections: [][]float64{{2, 0, 0, 2, 0, 0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Settings{Sections: tt.sections}.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSmoothing) {
					t.Fatalf("Validate() = %v, want ErrInvalidSmoothing", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestSettings_NormalisesGain(t *testing.T) {
	c, err := NewCascade(Settings{Sections: [][]float64{{1.005, 0, 0, 1, 0, 0}}})
	if err != nil {
		t.Fatalf("NewCascade: %v", err)
	}
	if got := c.Run(2); math.Abs(got-2) > 1e-12 {
		t.Errorf("Run(2) = %v, want 2 after gain normalisation", got)
	}
}

func TestBank_ColdStartIsExact(t *testing.T) {
	b, err := NewBank(Settings{Sections: DefaultSections})
	if err != nil {
		t.Fatalf("NewBank: %v", err)
	}
	raw := keypoint.Coordinate{X: 0.123456789, Y: 0.987654321, Confidence: 0.9}
	got := b.Apply(keypoint.Thorax, raw, 0.5)
	if got.Coordinate != raw || got.Held {
		t.Errorf("first Apply = %+v, want %+v unheld", got, raw)
	}
	if !b.Primed(keypoint.Thorax) {
		t.Error("Thorax should be primed after a trusted sample")
	}
	if b.Primed(keypoint.Pelvis) {
		t.Error("Pelvis should still be cold")
	}
}

func TestBank_ConstantConverges(t *testing.T) {
	b, err := NewBank(Settings{Sections: DefaultSections})
	if err != nil {
		t.Fatalf("NewBank: %v", err)
	}
	b.Apply(keypoint.HeadTop, keypoint.Coordinate{X: 0, Y: 0, Confidence: 1}, 0.5)

	var got keypoint.Smoothed
	for i := 0; i < 100; i++ {
		got = b.Apply(keypoint.HeadTop, keypoint.Coordinate{X: 1, Y: -2, Confidence: 1}, 0.5)
	}
	if math.Abs(got.X-1) > 1e-6 || math.Abs(got.Y+2) > 1e-6 {
		t.Errorf("after 100 frames got (%v, %v), want (1, -2)", got.X, got.Y)
	}
}

func TestBank_LowConfidenceHolds(t *testing.T) {
	b, err := NewBank(Settings{Sections: DefaultSections})
	if err != nil {
		t.Fatalf("NewBank: %v", err)
	}

	// Never primed: the raw sample is passed through but flagged.
	low := keypoint.Coordinate{X: 5, Y: 5, Confidence: 0.1}
	got := b.Apply(keypoint.LeftHip, low, 0.5)
	if !got.Held || got.Coordinate != low {
		t.Fatalf("cold low-confidence Apply = %+v, want held raw", got)
	}
	if b.Primed(keypoint.LeftHip) {
		t.Fatal("low-confidence sample must not prime the filter")
	}

	first := b.Apply(keypoint.LeftHip, keypoint.Coordinate{X: 1, Y: 1, Confidence: 0.9}, 0.5)
	second := b.Apply(keypoint.LeftHip, keypoint.Coordinate{X: 2, Y: 2, Confidence: 0.9}, 0.5)

	held := b.Apply(keypoint.LeftHip, keypoint.Coordinate{X: 100, Y: 100, Confidence: 0.2}, 0.5)
	if !held.Held || held.Coordinate != second.Coordinate {
		t.Fatalf("held = %+v, want previous output %+v", held, second)
	}
	invalid := b.Apply(keypoint.LeftHip, keypoint.Coordinate{X: math.NaN(), Y: 1, Confidence: 0.9}, 0.5)
	if !invalid.Held || invalid.Coordinate != second.Coordinate {
		t.Fatalf("invalid = %+v, want previous output %+v", invalid, second)
	}

	// The held samples must not have advanced the filter state.
	ref, _ := NewBank(Settings{Sections: DefaultSections})
	ref.Apply(keypoint.LeftHip, first.Coordinate, 0.5)
	ref.Apply(keypoint.LeftHip, keypoint.Coordinate{X: 2, Y: 2, Confidence: 0.9}, 0.5)
	want := ref.Apply(keypoint.LeftHip, keypoint.Coordinate{X: 3, Y: 3, Confidence: 0.9}, 0.5)
	next := b.Apply(keypoint.LeftHip, keypoint.Coordinate{X: 3, Y: 3, Confidence: 0.9}, 0.5)
	if next != want {
		t.Errorf("after held samples got %+v, want %+v", next, want)
	}
}

func TestBank_ReconfigureResets(t *testing.T) {
	b, err := NewBank(Settings{Sections: DefaultSections})
	if err != nil {
		t.Fatalf("NewBank: %v", err)
	}
	b.Apply(keypoint.Thorax, keypoint.Coordinate{X: 1, Y: 1, Confidence: 1}, 0.5)

	bad := Settings{Sections: [][]float64{{1, 0, 0, 1, 0, 1.5}}}
	if err := b.Reconfigure(bad); !errors.Is(err, ErrInvalidSmoothing) {
		t.Fatalf("Reconfigure(unstable) = %v, want ErrInvalidSmoothing", err)
	}
	if !b.Primed(keypoint.Thorax) {
		t.Fatal("rejected reconfigure must keep existing state")
	}

	if err := b.Reconfigure(Settings{Sections: thirdOrder}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if b.Primed(keypoint.Thorax) {
		t.Fatal("reconfigure must reset joint state")
	}
	raw := keypoint.Coordinate{X: 7, Y: 8, Confidence: 1}
	if got := b.Apply(keypoint.Thorax, raw, 0.5); got.Coordinate != raw {
		t.Errorf("post-reconfigure first Apply = %+v, want %+v", got, raw)
	}
	if got := len(b.Settings().Sections); got != 3 {
		t.Errorf("Settings() has %d sections, want 3", got)
	}
}

func TestBank_InvalidJoint(t *testing.T) {
	b, err := NewBank(Settings{})
	if err != nil {
		t.Fatalf("NewBank: %v", err)
	}
	got := b.Apply(keypoint.Joint(200), keypoint.Coordinate{X: 1, Y: 1, Confidence: 1}, 0.5)
	if !got.Held {
		t.Error("unknown joint should be reported as held")
	}
}

func TestFramerateLadder(t *testing.T) {
	l := DefaultFramerateLadder()
	if l.Len() != 8 {
		t.Fatalf("Len() = %d, want 8", l.Len())
	}
	if got := l.Current().PeriodMs; got != 667 {
		t.Errorf("default period = %d, want 667", got)
	}

	if !l.Decrease() {
		t.Fatal("Decrease from index 1 should succeed")
	}
	if l.Decrease() {
		t.Error("Decrease at the bottom should report false")
	}
	if got := l.Current().TargetFPS(); got != 1 {
		t.Errorf("TargetFPS() = %v, want 1", got)
	}

	if err := l.Set(7); err != nil {
		t.Fatalf("Set(7): %v", err)
	}
	if l.Increase() {
		t.Error("Increase at the top should report false")
	}
	if got := l.Current().PeriodMs; got != 50 {
		t.Errorf("top period = %d, want 50", got)
	}
	if err := l.Set(8); err == nil {
		t.Error("Set(8) should fail")
	}
	if l.Index() != 7 {
		t.Errorf("failed Set must not move the cursor, index = %d", l.Index())
	}
}

func TestNewFramerateLadder_Rejects(t *testing.T) {
	if _, err := NewFramerateLadder(nil, 0); err == nil {
		t.Error("empty ladder should be rejected")
	}
	bad := []FramerateSetting{{PeriodMs: 100, Smoothing: Settings{Sections: [][]float64{{2, 0, 0, 1, 0, 0}}}}}
	if _, err := NewFramerateLadder(bad, 0); !errors.Is(err, ErrInvalidSmoothing) {
		t.Errorf("bad gain err = %v, want ErrInvalidSmoothing", err)
	}
	zero := []FramerateSetting{{PeriodMs: 0}}
	if _, err := NewFramerateLadder(zero, 0); !errors.Is(err, ErrInvalidSmoothing) {
		t.Errorf("zero period err = %v, want ErrInvalidSmoothing", err)
	}
	if _, err := NewFramerateLadder(DefaultFramerates(), 9); err == nil {
		t.Error("out of range index should be rejected")
	}
}
