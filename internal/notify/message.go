// Package notify carries posture status changes from the monitor to
// independent receiver processes.
//
// Every message is framed as a 4-byte big-endian length followed by a
// msgpack body, so stream transports can be read incrementally and
// datagram transports carry exactly one frame per packet.
package notify

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/banshee-data/posture.report/internal/posture"
)

// MaxFrameSize bounds a single encoded message body.
const MaxFrameSize = 64 * 1024

const headerSize = 4

// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("notification frame exceeds maximum size")

// Message is one status change.
type Message struct {
	Status     posture.Status
	StatusText string
	Timestamp  time.Time
	Session    string
	Seq        uint64
}

// NewMessage fills StatusText from the canonical status string.
func NewMessage(status posture.Status, ts time.Time, session string) Message {
	return Message{
		Status:     status,
		StatusText: status.String(),
		Timestamp:  ts,
		Session:    session,
	}
}

type wireMessage struct {
	Status     uint8  `msgpack:"status"`
	StatusText string `msgpack:"status_text"`
	Timestamp  int64  `msgpack:"ts"`
	Session    string `msgpack:"session,omitempty"`
	Seq        uint64 `msgpack:"seq"`
}

// Encode returns the framed wire form of m.
func Encode(m Message) ([]byte, error) {
	w := wireMessage{
		Status:     uint8(m.Status),
		StatusText: m.StatusText,
		Session:    m.Session,
		Seq:        m.Seq,
	}
	if !m.Timestamp.IsZero() {
		w.Timestamp = m.Timestamp.UnixNano()
	}
	body, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[headerSize:], body)
	return frame, nil
}

func decodeBody(body []byte) (Message, error) {
	var w wireMessage
	if err := msgpack.Unmarshal(body, &w); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	status := posture.Status(w.Status)
	if !status.Valid() {
		return Message{}, fmt.Errorf("notification carries unknown status %d", w.Status)
	}
	m := Message{
		Status:     status,
		StatusText: w.StatusText,
		Session:    w.Session,
		Seq:        w.Seq,
	}
	if w.Timestamp != 0 {
		m.Timestamp = time.Unix(0, w.Timestamp)
	}
	return m, nil
}

// DecodeFrame decodes one complete frame, as received in a datagram.
func DecodeFrame(frame []byte) (Message, error) {
	if len(frame) < headerSize {
		return Message{}, io.ErrUnexpectedEOF
	}
	n := binary.BigEndian.Uint32(frame)
	if n > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if len(frame)-headerSize != int(n) {
		return Message{}, fmt.Errorf("frame length %d does not match prefix %d", len(frame)-headerSize, n)
	}
	return decodeBody(frame[headerSize:])
}

// ReadMessage blocks until a whole frame has been read from r.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	return decodeBody(body)
}

// Decoder reassembles frames from arbitrarily split writes. It keeps a
// partial frame buffered until the rest arrives.
type Decoder struct {
	buf []byte
}

// Write appends stream bytes. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete message. ok is false when more bytes are
// needed. An oversized length prefix discards the buffer, since the stream
// can no longer be resynchronised.
func (d *Decoder) Next() (Message, bool, error) {
	if len(d.buf) < headerSize {
		return Message{}, false, nil
	}
	n := binary.BigEndian.Uint32(d.buf)
	if n > MaxFrameSize {
		d.buf = nil
		return Message{}, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	end := headerSize + int(n)
	if len(d.buf) < end {
		return Message{}, false, nil
	}
	m, err := decodeBody(d.buf[headerSize:end])
	rest := copy(d.buf, d.buf[end:])
	d.buf = d.buf[:rest]
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}
