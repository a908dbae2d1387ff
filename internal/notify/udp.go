package notify

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// udpErrorLogInterval is how often write failures are summarised.
const udpErrorLogInterval = 30 * time.Second

// UDPSender is the connectionless broadcast transport. Frames go to a single
// target address. Every receiver sharing the port sees each frame only when
// the target is a broadcast or multicast address; with a unicast target the
// kernel hands each datagram to one of the sockets. Delivery is best effort.
type UDPSender struct {
	conn    *net.UDPConn
	target  *net.UDPAddr
	frames  chan []byte
	stamper *Stamper

	closed    atomic.Bool
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewUDPSender resolves opts.Address and starts the write goroutine.
func NewUDPSender(opts Options) (*UDPSender, error) {
	opts = opts.withDefaults()
	target, err := net.ResolveUDPAddr("udp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve notify address: %w", err)
	}

	lc := net.ListenConfig{Control: broadcastControl}
	pc, err := lc.ListenPacket(context.Background(), "udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to create notify socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &UDPSender{
		conn:    pc.(*net.UDPConn),
		target:  target,
		frames:  make(chan []byte, opts.QueueSize),
		stamper: NewStamper(opts.Clock),
		cancel:  cancel,
	}
	u.wg.Add(1)
	go u.writeLoop(ctx)
	if !isBroadcastTarget(target.IP) {
		logf("warning: %s is not a broadcast or multicast address, receivers sharing the port will split datagrams", target)
	}
	logf("sending datagrams to %s", target)
	return u, nil
}

func (u *UDPSender) writeLoop(ctx context.Context) {
	defer u.wg.Done()
	failed := 0
	var lastErr error
	ticker := time.NewTicker(udpErrorLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-u.frames:
			if _, err := u.conn.WriteToUDP(frame, u.target); err != nil {
				failed++
				lastErr = err
				u.dropped.Add(1)
				continue
			}
			u.sent.Add(1)
		case <-ticker.C:
			if failed > 0 && lastErr != nil {
				logf("dropped %d datagrams due to errors (latest: %v)", failed, lastErr)
				failed = 0
				lastErr = nil
			}
		}
	}
}

// Send queues m without blocking. Datagram delivery cannot tell whether
// anyone is listening, so ErrNoReceivers is never returned.
func (u *UDPSender) Send(m Message) error {
	if u.closed.Load() {
		return ErrClosed
	}
	return u.stamper.Deliver(m, func(m Message) error {
		frame, err := Encode(m)
		if err != nil {
			return err
		}
		select {
		case u.frames <- frame:
			return nil
		default:
			u.dropped.Add(1)
			return ErrQueueFull
		}
	})
}

// isBroadcastTarget reports whether ip fans out to every bound socket:
// multicast, the limited broadcast address, or an IPv4 directed broadcast
// ending in .255.
func isBroadcastTarget(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsMulticast() {
		return true
	}
	ip4 := ip.To4()
	return ip4 != nil && ip4[3] == 255
}

// Close stops the write goroutine and closes the socket.
func (u *UDPSender) Close() error {
	var err error
	u.closeOnce.Do(func() {
		u.closed.Store(true)
		u.cancel()
		u.wg.Wait()
		err = u.conn.Close()
	})
	return err
}

// ListenUDPReceiver binds a datagram socket that can share its port with
// other receivers on the same host.
func ListenUDPReceiver(ctx context.Context, address string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to bind notify receiver: %w", err)
	}
	return pc.(*net.UDPConn), nil
}
