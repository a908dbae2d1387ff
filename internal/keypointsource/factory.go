package keypointsource

import (
	"io"
	"os"

	"go.bug.st/serial"
)

// NewRealSource opens the serial device at path.
func NewRealSource(path string, opts PortOptions, sink Sink) (*Source, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}

	return NewSource(port, sink), nil
}

// NewStdinSource reads results piped into the process, for example from an
// inference script.
func NewStdinSource(sink Sink) *Source {
	return NewSource(io.NopCloser(os.Stdin), sink)
}
