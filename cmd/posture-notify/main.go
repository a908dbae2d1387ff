// Command posture-notify prints posture changes published by the monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/banshee-data/posture.report/internal/notify"
	"github.com/banshee-data/posture.report/internal/posture"
	"github.com/banshee-data/posture.report/internal/version"
)

var (
	mode      = flag.String("mode", "stream", "Transport: stream (unix/tcp connection) or udp (broadcast listener)")
	network   = flag.String("network", "unix", "Stream network: unix or tcp")
	address   = flag.String("address", "/tmp/posture.sock", "Socket path, host:port, or UDP listen address")
	reconnect = flag.Duration("reconnect", 2*time.Second, "Delay before reconnecting after the stream ends")
	noColor   = flag.Bool("no-color", false, "Disable colored output")
	showVer   = flag.Bool("version", false, "Print version and exit")
)

var (
	goodColor    = color.New(color.FgGreen, color.Bold)
	badColor     = color.New(color.FgRed, color.Bold)
	unknownColor = color.New(color.FgHiBlack)
	metaColor    = color.New(color.FgCyan)
)

func statusColor(s posture.Status) *color.Color {
	switch s {
	case posture.StatusGood:
		return goodColor
	case posture.StatusBad:
		return badColor
	default:
		return unknownColor
	}
}

// formatMessage renders one line per change.
func formatMessage(m notify.Message) string {
	line := fmt.Sprintf("%s  %s",
		m.Timestamp.Local().Format("15:04:05.000"),
		statusColor(m.Status).Sprintf("%-7s", m.StatusText),
	)
	if m.Status == posture.StatusBad {
		line += "  " + badColor.Sprint("sit up straight")
	}
	if m.Session != "" {
		short := m.Session
		if len(short) > 8 {
			short = short[:8]
		}
		line += "  " + metaColor.Sprintf("session=%s seq=%d", short, m.Seq)
	}
	return line
}

func open(ctx context.Context) (*notify.Receiver, error) {
	switch *mode {
	case "stream":
		return notify.Dial(ctx, *network, *address)
	case "udp":
		return notify.ListenUDP(ctx, *address)
	default:
		return nil, fmt.Errorf("unknown mode %q", *mode)
	}
}

// consume prints messages until the receiver ends or ctx is cancelled.
func consume(ctx context.Context, out io.Writer, r *notify.Receiver) error {
	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()
	for m := range r.Messages() {
		fmt.Fprintln(out, formatMessage(m))
	}
	r.Close()
	return r.Err()
}

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.String("posture-notify"))
		return
	}
	if *noColor {
		color.NoColor = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		r, err := open(ctx)
		if err != nil {
			if *mode != "stream" {
				log.Fatalf("failed to open receiver: %v", err)
			}
			log.Printf("failed to connect to %s %s: %v", *network, *address, err)
		} else {
			log.Printf("listening for posture changes via %s %s", *mode, *address)
			if err := consume(ctx, os.Stdout, r); err != nil {
				log.Printf("receiver stopped: %v", err)
			}
		}

		if ctx.Err() != nil || *mode != "stream" {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(*reconnect):
		}
	}
}
