package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/posture.report/internal/timeutil"
)

// ErrRunnerStopped is returned by Do once Run has exited.
var ErrRunnerStopped = errors.New("pipeline runner stopped")

type controlRequest struct {
	fn    func(*Pipeline) error
	reply chan error
}

// Runner is the single goroutine that owns a Pipeline. Frames arrive through
// a Mailbox and configuration changes through Do, and both are serialised so
// a mutator never lands in the middle of a frame.
type Runner struct {
	p             *Pipeline
	inbox         *Mailbox
	control       chan controlRequest
	clock         timeutil.Clock
	statsInterval time.Duration

	done     chan struct{}
	doneOnce sync.Once

	lastStatsFrames uint64
	lastStatsTime   time.Time
}

// NewRunner wires p to inbox. statsInterval <= 0 disables the periodic stats
// log line.
func NewRunner(p *Pipeline, inbox *Mailbox, statsInterval time.Duration) *Runner {
	return &Runner{
		p:             p,
		inbox:         inbox,
		control:       make(chan controlRequest),
		clock:         p.clock,
		statsInterval: statsInterval,
		done:          make(chan struct{}),
	}
}

// Inbox returns the mailbox frames should be published to.
func (r *Runner) Inbox() *Mailbox { return r.inbox }

// Run processes frames until ctx is cancelled, then flushes the session and
// closes the sender.
func (r *Runner) Run(ctx context.Context) error {
	defer r.doneOnce.Do(func() { close(r.done) })

	var tick <-chan time.Time
	if r.statsInterval > 0 {
		ticker := r.clock.NewTicker(r.statsInterval)
		defer ticker.Stop()
		tick = ticker.C()
	}
	r.lastStatsTime = r.clock.Now()

	for {
		select {
		case <-ctx.Done():
			r.logStats()
			return r.p.Close()
		case <-r.inbox.Ready():
			if res, ok := r.inbox.Take(); ok {
				r.p.Process(res)
			}
		case req := <-r.control:
			req.reply <- req.fn(r.p)
		case <-tick:
			r.logStats()
		}
	}
}

// Do runs fn on the pipeline goroutine between frames and returns its error.
func (r *Runner) Do(ctx context.Context, fn func(*Pipeline) error) error {
	req := controlRequest{fn: fn, reply: make(chan error, 1)}
	select {
	case r.control <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRunnerStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports pipeline counters plus mailbox drops. Safe from any goroutine.
func (r *Runner) Stats() Stats {
	s := r.p.Stats()
	s.Dropped = r.inbox.Dropped()
	return s
}

func (r *Runner) logStats() {
	now := r.clock.Now()
	s := r.Stats()
	elapsed := now.Sub(r.lastStatsTime)
	framesInInterval := s.Frames - r.lastStatsFrames
	fps := 0.0
	if elapsed > 0 {
		fps = float64(framesInInterval) / elapsed.Seconds()
	}
	logf("Stats: fps=%.1f frames=%d unknown=%d changes=%d held=%d dropped=%d notify_sent=%d notify_failed=%d",
		fps, framesInInterval, s.Unknown, s.Changes, s.Held, s.Dropped, s.NotifySent, s.NotifyFailed)
	r.lastStatsTime = now
	r.lastStatsFrames = s.Frames
}
