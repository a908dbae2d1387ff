package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/posture.report/internal/posture"
)

// statusLevel maps a status onto the chart's secondary axis.
func statusLevel(s posture.Status) int {
	switch s {
	case posture.StatusGood:
		return 1
	case posture.StatusBad:
		return -1
	default:
		return 0
	}
}

// AttachAdminRoutes adds the posture chart and pipeline counters under
// /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Frames", func() any { return s.runner.Stats().Frames })
	debug.KVFunc("Pose changes", func() any { return s.runner.Stats().Changes })
	debug.KVFunc("Frames dropped", func() any { return s.runner.Stats().Dropped })
	debug.KVFunc("Notify failures", func() any { return s.runner.Stats().NotifyFailed })
	debug.HandleFunc("posture-chart", "Recent deviation and debounced status", s.handlePostureChart)
}

// handlePostureChart renders the deviation timeline with go-echarts.
// Query params:
//   - n (optional; default all held frames) number of recent frames
func (s *Server) handlePostureChart(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSONError(w, http.StatusNotFound, "history is disabled")
		return
	}
	n := 0
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'n' parameter")
			return
		}
		n = parsed
	}
	samples := s.history.Samples(n)
	if len(samples) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no frames captured yet")
		return
	}

	x := make([]string, len(samples))
	deviation := make([]opts.LineData, len(samples))
	raw := make([]opts.LineData, len(samples))
	debounced := make([]opts.LineData, len(samples))
	for i, smp := range samples {
		x[i] = smp.Timestamp.Format("15:04:05.000")
		deviation[i] = opts.LineData{Value: smp.MaxDeviation}
		raw[i] = opts.LineData{Value: statusLevel(smp.Status)}
		debounced[i] = opts.LineData{Value: statusLevel(smp.Debounced)}
	}

	last := samples[len(samples)-1]
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Posture", Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Posture timeline",
			Subtitle: fmt.Sprintf("session=%s frames=%d at %s", last.Session, len(samples), last.Timestamp.Format(time.RFC3339)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "deviation (deg)"}),
	)
	line.ExtendYAxis(opts.YAxis{Name: "status", Min: -1, Max: 1})
	line.SetXAxis(x).
		AddSeries("max deviation", deviation).
		AddSeries("frame status", raw, charts.WithLineChartOpts(opts.LineChart{YAxisIndex: 1})).
		AddSeries("debounced", debounced, charts.WithLineChartOpts(opts.LineChart{YAxisIndex: 1}))

	page := components.NewPage()
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
