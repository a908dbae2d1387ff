package notify

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/posture.report/internal/monitoring"
	"github.com/banshee-data/posture.report/internal/timeutil"
)

var logf = monitoring.Component("Notify")

// Soft delivery failures. Callers log and count them; none of them means
// the sender is unusable, except ErrClosed after Close.
var (
	ErrNoReceivers = errors.New("no receivers attached")
	ErrQueueFull   = errors.New("notification queue full")
	ErrClosed      = errors.New("sender closed")
)

// Sender delivers status changes. Send is fire and forget: it never waits
// for a receiver and never blocks longer than a short bounded time.
type Sender interface {
	Send(Message) error
	Close() error
}

// Stamper assigns sequence numbers and keeps timestamps non-decreasing
// across one sender's messages.
type Stamper struct {
	mu    sync.Mutex
	clock timeutil.Clock
	last  time.Time
	seq   uint64
}

// NewStamper returns a Stamper using clock for messages without a timestamp.
// A nil clock uses wall time.
func NewStamper(clock timeutil.Clock) *Stamper {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Stamper{clock: clock}
}

// Stamp returns m with Seq set and Timestamp clamped to the previous value.
func (s *Stamper) Stamp(m Message) Message {
	_ = s.Deliver(m, func(stamped Message) error {
		m = stamped
		return nil
	})
	return m
}

// Deliver stamps m and passes it to deliver. The sequence number and the
// timestamp floor only advance when deliver returns nil, so Seq counts
// messages that were actually queued.
func (s *Stamper) Deliver(m Message, deliver func(Message) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Timestamp.IsZero() {
		m.Timestamp = s.clock.Now()
	}
	if m.Timestamp.Before(s.last) {
		m.Timestamp = s.last
	}
	m.Seq = s.seq + 1
	if m.StatusText == "" {
		m.StatusText = m.Status.String()
	}
	if err := deliver(m); err != nil {
		return err
	}
	s.last = m.Timestamp
	s.seq = m.Seq
	return nil
}

// Mode selects the transport.
type Mode string

const (
	ModeServer    Mode = "server"
	ModeBroadcast Mode = "broadcast"
	ModeUDP       Mode = "udp"
	ModeDisabled  Mode = "disabled"
)

// Options configures New.
type Options struct {
	Mode Mode

	// Network is "unix" or "tcp" for stream modes. Defaults to "unix".
	Network string

	// Address is a socket path, host:port for tcp, or the UDP target.
	Address string

	// QueueSize bounds pending frames, per receiver for broadcast.
	QueueSize int

	// WriteTimeout bounds a single write to a stream receiver.
	WriteTimeout time.Duration

	Clock timeutil.Clock
}

const (
	defaultQueueSize    = 16
	defaultWriteTimeout = 100 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.Network == "" {
		o.Network = "unix"
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	return o
}

// New builds the Sender chosen by opts.Mode.
func New(opts Options) (Sender, error) {
	opts = opts.withDefaults()
	switch opts.Mode {
	case ModeServer:
		return Listen(opts)
	case ModeBroadcast, "":
		return ListenBroadcast(opts)
	case ModeUDP:
		return NewUDPSender(opts)
	case ModeDisabled:
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown notify mode %q", opts.Mode)
	}
}

// Disabled drops every message.
type Disabled struct{}

func (Disabled) Send(Message) error { return nil }
func (Disabled) Close() error       { return nil }
