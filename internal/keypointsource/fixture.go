package keypointsource

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"
)

// NewFixtureSource replays the lines of a recorded results file every period,
// looping when loop is set. It stands in for the inference device during
// development.
func NewFixtureSource(path string, period time.Duration, loop bool, sink Sink) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	var lines [][]byte
	scan := bufio.NewScanner(bytes.NewReader(data))
	scan.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scan.Scan() {
		if line := bytes.TrimSpace(scan.Bytes()); len(line) > 0 {
			lines = append(lines, append(append([]byte(nil), line...), '\n'))
		}
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan fixture: %w", err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("fixture %s has no result lines", path)
	}
	logf("replaying %d fixture lines from %s every %s", len(lines), path, period)
	return NewSource(newReplayPort(lines, period, loop), sink), nil
}

// replayPort writes lines into a pipe on a ticker until closed.
type replayPort struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	done chan struct{}
}

func newReplayPort(lines [][]byte, period time.Duration, loop bool) *replayPort {
	r, w := io.Pipe()
	p := &replayPort{r: r, w: w, done: make(chan struct{})}
	go p.run(lines, period, loop)
	return p
}

func (p *replayPort) run(lines [][]byte, period time.Duration, loop bool) {
	defer p.w.Close()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for i := 0; ; i++ {
		if i == len(lines) {
			if !loop {
				return
			}
			i = 0
		}
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		if _, err := p.w.Write(lines[i]); err != nil {
			return
		}
	}
}

func (p *replayPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *replayPort) Close() error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return p.r.Close()
}
