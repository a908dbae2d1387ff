// Package keypointsource reads pose-estimation results, one JSON object per
// line, from a serial device, stdin or a recorded fixture, and hands them to
// the pipeline. Raw lines are also fanned out to subscribers for live tail.
package keypointsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/posture.report/internal/keypoint"
	"github.com/banshee-data/posture.report/internal/monitoring"
)

var logf = monitoring.Component("Source")

// maxLineSize bounds a single result line.
const maxLineSize = 256 * 1024

// Sink receives parsed results. pipeline.Mailbox satisfies it.
type Sink interface {
	Put(keypoint.Result)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(keypoint.Result)

func (f SinkFunc) Put(r keypoint.Result) { f(r) }

// Port is the minimal interface needed from the underlying stream.
type Port interface {
	io.Reader
	io.Closer
}

// SourceInterface is implemented by Source and DisabledSource.
type SourceInterface interface {
	// Subscribe returns a channel of raw result lines. The ID is used to
	// unsubscribe.
	Subscribe() (string, chan string)
	Unsubscribe(string)

	// Monitor reads until ctx is cancelled or the stream ends.
	Monitor(context.Context) error
	Close() error

	// AttachAdminRoutes adds live tail and counters under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// Stats counts lines seen by a Source.
type Stats struct {
	Lines   uint64 `json:"lines"`
	Results uint64 `json:"results"`
	Invalid uint64 `json:"invalid"`
	Defects uint64 `json:"defects"`
}

// Source parses result lines from a Port.
type Source struct {
	port Port
	sink Sink

	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	closing      atomic.Bool

	lines   atomic.Uint64
	results atomic.Uint64
	invalid atomic.Uint64
	defects atomic.Uint64
}

// NewSource wraps port. A nil sink discards parsed results.
func NewSource(port Port, sink Sink) *Source {
	if sink == nil {
		sink = SinkFunc(func(keypoint.Result) {})
	}
	return &Source{
		port:        port,
		sink:        sink,
		subscribers: make(map[string]chan string),
	}
}

func (s *Source) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, 8)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing.Load() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Source) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Stats returns the line counters.
func (s *Source) Stats() Stats {
	return Stats{
		Lines:   s.lines.Load(),
		Results: s.results.Load(),
		Invalid: s.invalid.Load(),
		Defects: s.defects.Load(),
	}
}

// Monitor reads lines from the port, publishes parsed results to the sink
// and raw lines to subscribers. Malformed lines are logged and skipped.
func (s *Source) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Buffer(make([]byte, 0, 4096), maxLineSize)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs on its own goroutine so cancellation is seen
	// promptly.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if s.closing.Load() {
				return nil
			}
			return fmt.Errorf("failed to read results: %w", err)

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !s.closing.Load() {
						return fmt.Errorf("failed to read results: %w", err)
					}
				default:
				}
				return nil
			}
			if s.closing.Load() {
				return nil
			}
			s.handleLine(line)
		}
	}
}

func (s *Source) handleLine(line string) {
	if len(line) == 0 {
		return
	}
	s.lines.Add(1)

	s.subscriberMu.Lock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			// slow subscriber, skip rather than stall the reader
		}
	}
	s.subscriberMu.Unlock()

	res, defects, err := keypoint.ParseResult([]byte(line))
	if err != nil {
		if !errors.Is(err, keypoint.ErrEmptyPayload) {
			s.invalid.Add(1)
			logf("skipping malformed result line: %v", err)
		}
		return
	}
	if defects > 0 {
		s.defects.Add(uint64(defects))
	}
	s.results.Add(1)
	s.sink.Put(res)
}

// Close closes all subscriber channels and the port.
func (s *Source) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

// AttachAdminRoutes exposes a live tail of raw lines and the counters.
func (s *Source) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Source lines", func() any { return s.lines.Load() })
	debug.KVFunc("Source invalid lines", func() any { return s.invalid.Load() })

	debug.HandleSilentFunc("source-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
