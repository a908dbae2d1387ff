package notify

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// listenStream opens a stream listener, removing a stale unix socket left
// behind by a previous run.
func listenStream(network, address string) (net.Listener, error) {
	if network == "unix" {
		if fi, err := os.Lstat(address); err == nil {
			if fi.Mode()&fs.ModeSocket == 0 {
				return nil, fmt.Errorf("%s exists and is not a socket", address)
			}
			if err := os.Remove(address); err != nil {
				return nil, fmt.Errorf("failed to remove stale socket: %w", err)
			}
		}
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	return ln, nil
}

// Server is the point-to-point transport: it holds at most one receiver
// connection, and a newly connecting receiver replaces the previous one.
type Server struct {
	ln           net.Listener
	writeTimeout time.Duration
	stamper      *Stamper
	queue        chan []byte

	mu   sync.Mutex
	conn net.Conn

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Listen starts a point-to-point server on opts.Network/opts.Address.
func Listen(opts Options) (*Server, error) {
	opts = opts.withDefaults()
	ln, err := listenStream(opts.Network, opts.Address)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:           ln,
		writeTimeout: opts.WriteTimeout,
		stamper:      NewStamper(opts.Clock),
		queue:        make(chan []byte, opts.QueueSize),
		done:         make(chan struct{}),
	}
	s.wg.Add(2)
	go s.acceptLoop()
	go s.writeLoop()
	logf("server listening on %s %s", opts.Network, ln.Addr())
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Connected reports whether a receiver is attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logf("accept failed: %v", err)
			continue
		}
		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			conn.Close()
			return
		}
		prev := s.conn
		s.conn = conn
		s.wg.Add(1)
		go s.watch(conn)
		s.mu.Unlock()
		if prev != nil {
			prev.Close()
			logf("receiver replaced by %s", conn.RemoteAddr())
		} else {
			logf("receiver connected")
		}
	}
}

// watch drains the receiver side and detaches it on EOF, so a hung up
// receiver is noticed before the next Send.
func (s *Server) watch(conn net.Conn) {
	defer s.wg.Done()
	_, _ = io.Copy(io.Discard, conn)
	s.detach(conn)
}

func (s *Server) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.queue:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				s.dropped.Add(1)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if _, err := conn.Write(frame); err != nil {
				s.dropped.Add(1)
				logf("receiver write failed, detaching: %v", err)
				s.detach(conn)
				continue
			}
			s.sent.Add(1)
		}
	}
}

func (s *Server) detach(conn net.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}

// Send queues m for the attached receiver. It returns ErrNoReceivers when
// none is attached.
func (s *Server) Send(m Message) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.stamper.Deliver(m, func(m Message) error {
		if !s.Connected() {
			return ErrNoReceivers
		}
		frame, err := Encode(m)
		if err != nil {
			return err
		}
		select {
		case s.queue <- frame:
			return nil
		default:
			s.dropped.Add(1)
			return ErrQueueFull
		}
	})
}

// Close stops accepting, closes the receiver connection and waits for the
// internal goroutines.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		err = s.ln.Close()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return err
}
