// Package testutil provides shared test helpers and pose fixtures.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/posture.report/internal/keypoint"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewTestRequest creates a test HTTP request from a loopback address, so
// /debug/ routes guarded by tsweb accept it. An empty body sends none.
func NewTestRequest(method, path string, body ...string) *http.Request {
	var r io.Reader
	if len(body) > 0 && body[0] != "" {
		r = strings.NewReader(body[0])
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// Epoch is the timestamp of frame 0 in the pose fixtures.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// FramePeriod separates consecutive fixture frames.
const FramePeriod = 100 * time.Millisecond

// Coord is a confident coordinate.
func Coord(x, y float64) keypoint.Coordinate {
	return keypoint.Coordinate{X: x, Y: y, Confidence: 0.9}
}

// UprightResult is frame i of a person sitting straight: head, neck, thorax
// and pelvis on one vertical line.
func UprightResult(i int) keypoint.Result {
	return keypoint.Result{
		Timestamp:         Epoch.Add(time.Duration(i) * FramePeriod),
		OverallConfidence: 0.9,
		Coordinates: map[keypoint.Joint]keypoint.Coordinate{
			keypoint.HeadTop:   Coord(0.5, 0.1),
			keypoint.UpperNeck: Coord(0.5, 0.2),
			keypoint.Thorax:    Coord(0.5, 0.3),
			keypoint.Pelvis:    Coord(0.5, 0.6),
		},
	}
}

// LeaningResult is UprightResult with the head pushed forward, a bearing of
// about 56 degrees from the neck.
func LeaningResult(i int) keypoint.Result {
	r := UprightResult(i)
	r.Coordinates[keypoint.HeadTop] = Coord(0.65, 0.1)
	return r
}

// ResultLine encodes r as one newline-terminated JSON line.
func ResultLine(t testing.TB, r keypoint.Result) string {
	t.Helper()
	b, err := keypoint.MarshalResult(r)
	if err != nil {
		t.Fatalf("failed to marshal result: %v", err)
	}
	return string(b) + "\n"
}
