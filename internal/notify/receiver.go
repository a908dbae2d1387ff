package notify

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// Receiver reads status changes from any transport. Reconnecting after the
// stream ends is left to the caller.
type Receiver struct {
	conn net.Conn
	msgs chan Message

	mu  sync.Mutex
	err error

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func newReceiver(conn net.Conn) *Receiver {
	return &Receiver{
		conn: conn,
		msgs: make(chan Message, defaultQueueSize),
		done: make(chan struct{}),
	}
}

// Dial connects to a server or broadcaster.
func Dial(ctx context.Context, network, address string) (*Receiver, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	r := newReceiver(conn)
	r.wg.Add(1)
	go r.readStream()
	return r, nil
}

// ListenUDP binds a receiver for the datagram transport.
func ListenUDP(ctx context.Context, address string) (*Receiver, error) {
	conn, err := ListenUDPReceiver(ctx, address)
	if err != nil {
		return nil, err
	}
	r := newReceiver(conn)
	r.wg.Add(1)
	go r.readDatagrams(conn)
	return r, nil
}

// Messages delivers decoded messages in arrival order. It is closed when the
// underlying connection ends; Err then reports why.
func (r *Receiver) Messages() <-chan Message { return r.msgs }

// LocalAddr returns the bound address, useful after listening on port 0.
func (r *Receiver) LocalAddr() net.Addr { return r.conn.LocalAddr() }

// Err returns the error that ended the stream, or nil after a clean close.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Receiver) fail(err error) {
	select {
	case <-r.done:
		return
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return
	}
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *Receiver) deliver(m Message) bool {
	select {
	case r.msgs <- m:
		return true
	case <-r.done:
		return false
	}
}

func (r *Receiver) readStream() {
	defer r.wg.Done()
	defer close(r.msgs)

	var dec Decoder
	buf := make([]byte, 4096)
	for {
		n, err := r.conn.Read(buf)
		if n > 0 {
			_, _ = dec.Write(buf[:n])
			for {
				m, ok, derr := dec.Next()
				if derr != nil {
					r.fail(derr)
					return
				}
				if !ok {
					break
				}
				if !r.deliver(m) {
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && dec.Buffered() > 0 {
				err = io.ErrUnexpectedEOF
			}
			r.fail(err)
			return
		}
	}
}

func (r *Receiver) readDatagrams(conn *net.UDPConn) {
	defer r.wg.Done()
	defer close(r.msgs)

	buf := make([]byte, headerSize+MaxFrameSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			r.fail(err)
			return
		}
		m, err := DecodeFrame(buf[:n])
		if err != nil {
			logf("discarding malformed datagram: %v", err)
			continue
		}
		if !r.deliver(m) {
			return
		}
	}
}

// Close ends the connection and waits for the reader.
func (r *Receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.conn.Close()
		r.wg.Wait()
	})
	return err
}
