package notify

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Broadcaster publishes every message to all connected receivers. Receivers
// just connect and read; there is no registration handshake. Each receiver
// has its own bounded queue so one slow reader only loses its own frames.
type Broadcaster struct {
	ln           net.Listener
	writeTimeout time.Duration
	queueSize    int
	stamper      *Stamper

	mu        sync.RWMutex
	receivers map[string]*subscriber

	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	sent    atomic.Uint64
	dropped atomic.Uint64
}

type subscriber struct {
	id     string
	conn   net.Conn
	frames chan []byte
	done   chan struct{}
}

// ListenBroadcast starts a broadcaster on opts.Network/opts.Address.
func ListenBroadcast(opts Options) (*Broadcaster, error) {
	opts = opts.withDefaults()
	ln, err := listenStream(opts.Network, opts.Address)
	if err != nil {
		return nil, err
	}
	b := &Broadcaster{
		ln:           ln,
		writeTimeout: opts.WriteTimeout,
		queueSize:    opts.QueueSize,
		stamper:      NewStamper(opts.Clock),
		receivers:    make(map[string]*subscriber),
	}
	b.wg.Add(1)
	go b.acceptLoop()
	logf("broadcasting on %s %s", opts.Network, ln.Addr())
	return b, nil
}

// Addr returns the listening address.
func (b *Broadcaster) Addr() net.Addr { return b.ln.Addr() }

// Receivers returns the number of attached receivers.
func (b *Broadcaster) Receivers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.receivers)
}

func (b *Broadcaster) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			if b.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logf("accept failed: %v", err)
			continue
		}
		b.addReceiver(conn)
	}
}

func (b *Broadcaster) addReceiver(conn net.Conn) {
	sub := &subscriber{
		id:     uuid.NewString(),
		conn:   conn,
		frames: make(chan []byte, b.queueSize),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.receivers[sub.id] = sub
	n := len(b.receivers)
	b.mu.Unlock()
	logf("receiver %s connected (total: %d)", sub.id, n)

	b.wg.Add(2)
	go b.writeLoop(sub)
	go b.watch(sub)
}

// watch drains anything the receiver sends and detaches it on EOF.
func (b *Broadcaster) watch(sub *subscriber) {
	defer b.wg.Done()
	_, _ = io.Copy(io.Discard, sub.conn)
	b.removeReceiver(sub.id)
}

func (b *Broadcaster) writeLoop(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case frame := <-sub.frames:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
			if _, err := sub.conn.Write(frame); err != nil {
				b.dropped.Add(1)
				logf("receiver %s write failed: %v", sub.id, err)
				b.removeReceiver(sub.id)
				return
			}
			b.sent.Add(1)
		}
	}
}

func (b *Broadcaster) removeReceiver(id string) {
	b.mu.Lock()
	sub, ok := b.receivers[id]
	if ok {
		delete(b.receivers, id)
	}
	n := len(b.receivers)
	b.mu.Unlock()
	if !ok {
		return
	}
	close(sub.done)
	sub.conn.Close()
	logf("receiver %s disconnected (remaining: %d)", id, n)
}

// Send fans m out without blocking. It returns ErrNoReceivers when nobody is
// attached and ErrQueueFull when every receiver's queue was full. A receiver
// whose own queue was full misses that Seq.
func (b *Broadcaster) Send(m Message) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.stamper.Deliver(m, func(m Message) error {
		b.mu.RLock()
		defer b.mu.RUnlock()
		if len(b.receivers) == 0 {
			return ErrNoReceivers
		}
		frame, err := Encode(m)
		if err != nil {
			return err
		}
		queued := 0
		for _, sub := range b.receivers {
			select {
			case sub.frames <- frame:
				queued++
			default:
				b.dropped.Add(1)
			}
		}
		if queued == 0 {
			return ErrQueueFull
		}
		return nil
	})
}

// Close disconnects every receiver and stops listening.
func (b *Broadcaster) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		err = b.ln.Close()

		b.mu.Lock()
		subs := make([]*subscriber, 0, len(b.receivers))
		for id, sub := range b.receivers {
			subs = append(subs, sub)
			delete(b.receivers, id)
		}
		b.mu.Unlock()
		for _, sub := range subs {
			close(sub.done)
			sub.conn.Close()
		}
		b.wg.Wait()
	})
	return err
}
