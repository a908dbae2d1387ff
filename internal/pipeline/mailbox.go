package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/posture.report/internal/keypoint"
)

// Mailbox is a depth-one hand-off between the source and the processing
// goroutine. Put never blocks; an unconsumed result is overwritten and
// counted as dropped, so the pipeline always sees the freshest frame.
type Mailbox struct {
	mu      sync.Mutex
	slot    keypoint.Result
	full    bool
	ready   chan struct{}
	dropped atomic.Uint64
	puts    atomic.Uint64
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1)}
}

// Put publishes r, replacing any result not yet taken.
func (m *Mailbox) Put(r keypoint.Result) {
	m.mu.Lock()
	if m.full {
		m.dropped.Add(1)
	}
	m.slot = r
	m.full = true
	m.mu.Unlock()
	m.puts.Add(1)

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Ready fires after a Put. A wake-up may find the slot already taken.
func (m *Mailbox) Ready() <-chan struct{} { return m.ready }

// Take removes the pending result, if any.
func (m *Mailbox) Take() (keypoint.Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return keypoint.Result{}, false
	}
	r := m.slot
	m.slot = keypoint.Result{}
	m.full = false
	return r, true
}

// Dropped returns how many results were overwritten before being taken.
func (m *Mailbox) Dropped() uint64 { return m.dropped.Load() }

// Received returns the total number of Put calls.
func (m *Mailbox) Received() uint64 { return m.puts.Load() }
