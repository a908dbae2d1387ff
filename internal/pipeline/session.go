package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/posture.report/internal/posture"
	"github.com/banshee-data/posture.report/internal/smoothing"
	"github.com/banshee-data/posture.report/internal/timeutil"
)

// Session is all state that survives between frames of one monitoring run.
// Resetting a run replaces the whole struct.
type Session struct {
	ID        string
	StartedAt time.Time

	bank     *smoothing.Bank
	detector *posture.Detector
	frames   uint64
}

func newSession(settings smoothing.Settings, poseChangeFrames int, clock timeutil.Clock) (*Session, error) {
	bank, err := smoothing.NewBank(settings)
	if err != nil {
		return nil, err
	}
	det, err := posture.NewDetector(poseChangeFrames, clock)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:        uuid.NewString(),
		StartedAt: clock.Now(),
		bank:      bank,
		detector:  det,
	}, nil
}

// Frames returns the number of frames processed in this session.
func (s *Session) Frames() uint64 { return s.frames }

// flush drops filter memory and debounce state.
func (s *Session) flush() {
	s.bank.Reset()
	s.detector.Reset()
}
