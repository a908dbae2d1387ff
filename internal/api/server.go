// Package api serves the admin HTTP interface of the posture monitor. Every
// mutation is applied on the pipeline goroutine through Runner.Do.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/posture.report/internal/db"
	"github.com/banshee-data/posture.report/internal/pipeline"
	"github.com/banshee-data/posture.report/internal/posture"
	"github.com/banshee-data/posture.report/internal/smoothing"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// controlTimeout bounds how long a request waits for the pipeline goroutine.
const controlTimeout = 2 * time.Second

// maxBodySize bounds request bodies on the config endpoints.
const maxBodySize = 64 * 1024

// defaultCalibrationFrames is used when a calibrate request names no count.
const defaultCalibrationFrames = 100

type Server struct {
	runner  *pipeline.Runner
	history *History
	db      *db.DB
}

// NewServer returns a Server. history and database may be nil; the endpoints
// that need them then answer 404.
func NewServer(runner *pipeline.Runner, history *History, database *db.DB) *Server {
	return &Server{
		runner:  runner,
		history: history,
		db:      database,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/history", s.listHistory)
	mux.HandleFunc("/api/transitions", s.listTransitions)
	mux.HandleFunc("/api/config/confidence-threshold", s.setConfidenceThreshold)
	mux.HandleFunc("/api/config/pose-change-threshold", s.setPoseChangeThreshold)
	mux.HandleFunc("/api/config/framerate", s.setFramerate)
	mux.HandleFunc("/api/calibrate", s.calibrate)
	mux.HandleFunc("/api/session/reset", s.resetSession)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// do runs fn on the pipeline goroutine. Errors returned by fn are
// configuration rejections and answer 400.
func (s *Server) do(w http.ResponseWriter, r *http.Request, fn func(*pipeline.Pipeline) error) bool {
	ctx, cancel := context.WithTimeout(r.Context(), controlTimeout)
	defer cancel()
	if err := s.runner.Do(ctx, fn); err != nil {
		s.writeControlError(w, err)
		return false
	}
	return true
}

func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrRunnerStopped):
		s.writeJSONError(w, http.StatusServiceUnavailable, "pipeline is not running")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		s.writeJSONError(w, http.StatusServiceUnavailable, "pipeline did not respond")
	case errors.Is(err, ErrNoFrames):
		s.writeJSONError(w, http.StatusConflict, err.Error())
	default:
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

type framerateResponse struct {
	Index     int     `json:"index"`
	PeriodMs  int     `json:"period_ms"`
	TargetFPS float64 `json:"target_fps"`
	Stages    int     `json:"smoothing_stages"`
}

func newFramerateResponse(index int, f smoothing.FramerateSetting) framerateResponse {
	return framerateResponse{
		Index:     index,
		PeriodMs:  f.PeriodMs,
		TargetFPS: f.TargetFPS(),
		Stages:    len(f.Smoothing.Sections),
	}
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Session             string               `json:"session"`
	SessionStartedAt    time.Time            `json:"session_started_at"`
	SessionFrames       uint64               `json:"session_frames"`
	PoseStatus          posture.PoseStatus   `json:"pose_status"`
	ConfidenceThreshold float64              `json:"confidence_threshold"`
	PoseChangeFrames    int                  `json:"pose_change_frames"`
	Framerate           framerateResponse    `json:"framerate"`
	IdealPosture        posture.IdealPosture `json:"ideal_posture"`
	Stats               pipeline.Stats       `json:"stats"`
	Latest              *Sample              `json:"latest,omitempty"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var resp StatusResponse
	ok := s.do(w, r, func(p *pipeline.Pipeline) error {
		sess := p.Session()
		resp = StatusResponse{
			Session:             sess.ID,
			SessionStartedAt:    sess.StartedAt,
			SessionFrames:       sess.Frames(),
			PoseStatus:          p.PoseStatus(),
			ConfidenceThreshold: p.ConfidenceThreshold(),
			PoseChangeFrames:    p.PoseChangeThreshold(),
			Framerate:           newFramerateResponse(p.FramerateIndex(), p.Framerate()),
			IdealPosture:        p.IdealPosture(),
		}
		return nil
	})
	if !ok {
		return
	}
	resp.Stats = s.runner.Stats()
	if s.history != nil {
		if latest := s.history.Samples(1); len(latest) == 1 {
			resp.Latest = &latest[0]
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.history == nil {
		s.writeJSONError(w, http.StatusNotFound, "history is disabled")
		return
	}
	n, err := intParam(r, "n", 0)
	if err != nil || n < 0 {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid 'n' parameter")
		return
	}
	s.writeJSON(w, http.StatusOK, s.history.Samples(n))
}

func (s *Server) listTransitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusNotFound, "history database is disabled")
		return
	}

	q := r.URL.Query()
	f := db.TransitionFilter{SessionID: q.Get("session")}
	var err error
	if f.Limit, err = intParam(r, "limit", 500); err != nil || f.Limit < 1 {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
		return
	}
	if v := q.Get("since"); v != "" {
		if f.Since, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'since' parameter, want RFC3339")
			return
		}
	}

	transitions, err := s.db.Transitions(r.Context(), f)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve transitions: %v", err))
		return
	}
	if transitions == nil {
		transitions = []db.Transition{}
	}
	s.writeJSON(w, http.StatusOK, transitions)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

type thresholdRequest struct {
	Value *float64 `json:"value"`
}

func (s *Server) setConfidenceThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Value == nil {
		s.writeJSONError(w, http.StatusBadRequest, "missing 'value'")
		return
	}
	if !s.do(w, r, func(p *pipeline.Pipeline) error {
		return p.SetConfidenceThreshold(*req.Value)
	}) {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]float64{"confidence_threshold": *req.Value})
}

type framesRequest struct {
	Value *int `json:"value"`
}

func (s *Server) setPoseChangeThreshold(w http.ResponseWriter, r *http.Request) {
	var req framesRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Value == nil {
		s.writeJSONError(w, http.StatusBadRequest, "missing 'value'")
		return
	}
	if !s.do(w, r, func(p *pipeline.Pipeline) error {
		return p.SetPoseChangeThreshold(*req.Value)
	}) {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"pose_change_frames": *req.Value})
}

type framerateRequest struct {
	Index *int   `json:"index,omitempty"`
	Step  string `json:"step,omitempty"` // "up" or "down"
}

func (s *Server) setFramerate(w http.ResponseWriter, r *http.Request) {
	var req framerateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if (req.Index == nil) == (req.Step == "") {
		s.writeJSONError(w, http.StatusBadRequest, "exactly one of 'index' or 'step' is required")
		return
	}
	if req.Step != "" && req.Step != "up" && req.Step != "down" {
		s.writeJSONError(w, http.StatusBadRequest, "'step' must be \"up\" or \"down\"")
		return
	}

	var (
		resp    framerateResponse
		changed = true
	)
	if !s.do(w, r, func(p *pipeline.Pipeline) error {
		var err error
		switch {
		case req.Index != nil:
			err = p.SetFramerateIndex(*req.Index)
		case req.Step == "up":
			changed, err = p.IncreaseFramerate()
		default:
			changed, err = p.DecreaseFramerate()
		}
		resp = newFramerateResponse(p.FramerateIndex(), p.Framerate())
		return err
	}) {
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		framerateResponse
		Changed bool `json:"changed"`
	}{resp, changed})
}

type calibrateRequest struct {
	Frames    int      `json:"frames,omitempty"`
	Tolerance *float64 `json:"tolerance,omitempty"`
}

// ErrNoFrames is returned by Calibrate before any frame has been captured.
var ErrNoFrames = errors.New("no frames captured yet")

// Calibrate rebuilds the ideal posture from the last frames raw results held
// by the history, keeping the current relation pairs. A nil tolerance keeps
// the tolerance of the first current relation. It returns the new baseline
// and the number of frames used.
func (s *Server) Calibrate(ctx context.Context, frames int, tolerance *float64) (posture.IdealPosture, int, error) {
	if s.history == nil {
		return posture.IdealPosture{}, 0, ErrNoFrames
	}
	if frames <= 0 {
		frames = defaultCalibrationFrames
	}
	results := s.history.Results(frames)
	if len(results) == 0 {
		return posture.IdealPosture{}, 0, ErrNoFrames
	}

	var ideal posture.IdealPosture
	err := s.runner.Do(ctx, func(p *pipeline.Pipeline) error {
		current := p.IdealPosture()
		tol := 15.0
		if len(current.Relations) > 0 {
			tol = current.Relations[0].Tolerance
		}
		if tolerance != nil {
			tol = *tolerance
		}
		pairs := make([]posture.ConnectedJoint, len(current.Relations))
		for i, rel := range current.Relations {
			pairs[i] = posture.ConnectedJoint{Upper: rel.Upper, Lower: rel.Lower}
		}
		var err error
		ideal, err = posture.Calibrate(results, pairs, tol, p.ConfidenceThreshold())
		if err != nil {
			return err
		}
		return p.SetIdealPosture(ideal)
	})
	if err != nil {
		return posture.IdealPosture{}, 0, err
	}
	log.Printf("calibrated ideal posture from %d frames", len(results))
	return ideal, len(results), nil
}

func (s *Server) calibrate(w http.ResponseWriter, r *http.Request) {
	var req calibrateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Frames < 0 {
		s.writeJSONError(w, http.StatusBadRequest, "'frames' must not be negative")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), controlTimeout)
	defer cancel()
	ideal, n, err := s.Calibrate(ctx, req.Frames, req.Tolerance)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"frames":        n,
		"ideal_posture": ideal,
	})
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var id string
	if !s.do(w, r, func(p *pipeline.Pipeline) error {
		if err := p.Reset(); err != nil {
			return err
		}
		id = p.Session().ID
		return nil
	}) {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"session": id})
}
