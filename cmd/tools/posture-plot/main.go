// Command posture-plot renders the debounced posture timeline stored in the
// history database as a PNG.
package main

import (
	"context"
	"flag"
	"fmt"
	"image/color"
	"log"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/posture.report/internal/db"
	"github.com/banshee-data/posture.report/internal/posture"
)

var (
	dbPath  = flag.String("db-path", "posture.db", "Path to the history database")
	session = flag.String("session", "", "Only plot this session")
	since   = flag.Duration("since", 24*time.Hour, "How far back to plot")
	outPath = flag.String("out", "posture.png", "Output PNG path")
)

func statusLevel(s posture.Status) float64 {
	switch s {
	case posture.StatusGood:
		return 1
	case posture.StatusBad:
		return -1
	default:
		return 0
	}
}

// buildPlot draws the status as a step line, held until end, with each
// transition's largest deviation scaled onto the same axis.
func buildPlot(transitions []db.Transition, end time.Time) (*plot.Plot, error) {
	if len(transitions) == 0 {
		return nil, fmt.Errorf("no transitions to plot")
	}

	steps := make(plotter.XYs, 0, len(transitions)+1)
	devs := make(plotter.XYs, 0, len(transitions))
	maxDev := 0.0
	for _, t := range transitions {
		if t.MaxDeviation > maxDev {
			maxDev = t.MaxDeviation
		}
	}
	for _, t := range transitions {
		x := float64(t.Timestamp.Unix())
		steps = append(steps, plotter.XY{X: x, Y: statusLevel(t.To)})
		if maxDev > 0 {
			devs = append(devs, plotter.XY{X: x, Y: t.MaxDeviation / maxDev})
		}
	}
	last := transitions[len(transitions)-1]
	if end.After(last.Timestamp) {
		steps = append(steps, plotter.XY{X: float64(end.Unix()), Y: statusLevel(last.To)})
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Posture (%d changes)", len(transitions))
	p.X.Label.Text = "time"
	p.X.Tick.Marker = plot.TimeTicks{Format: "01-02 15:04"}
	p.Y.Label.Text = "BAD (-1) / UNKNOWN (0) / GOOD (1)"
	p.Y.Min, p.Y.Max = -1.2, 1.2
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(steps)
	if err != nil {
		return nil, fmt.Errorf("failed to create status line: %w", err)
	}
	line.StepStyle = plotter.PostStep
	line.Width = vg.Points(1.5)
	line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	p.Add(line)
	p.Legend.Add("status", line)

	if len(devs) > 0 {
		scatter, err := plotter.NewScatter(devs)
		if err != nil {
			return nil, fmt.Errorf("failed to create deviation points: %w", err)
		}
		scatter.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
		p.Add(scatter)
		p.Legend.Add(fmt.Sprintf("deviation / %.0f deg", maxDev), scatter)
	}
	p.Legend.Top = true
	return p, nil
}

func main() {
	flag.Parse()

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	now := time.Now()
	transitions, err := database.Transitions(context.Background(), db.TransitionFilter{
		SessionID: *session,
		Since:     now.Add(-*since),
	})
	if err != nil {
		log.Fatalf("failed to query transitions: %v", err)
	}

	p, err := buildPlot(transitions, now)
	if err != nil {
		log.Fatalf("failed to build plot: %v", err)
	}
	if err := p.Save(14*vg.Inch, 5*vg.Inch, *outPath); err != nil {
		log.Fatalf("failed to save plot: %v", err)
	}
	log.Printf("wrote %d transitions to %s", len(transitions), *outPath)
}
