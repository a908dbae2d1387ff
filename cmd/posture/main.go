package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/posture.report/internal/api"
	"github.com/banshee-data/posture.report/internal/config"
	"github.com/banshee-data/posture.report/internal/db"
	"github.com/banshee-data/posture.report/internal/keypointsource"
	"github.com/banshee-data/posture.report/internal/notify"
	"github.com/banshee-data/posture.report/internal/pipeline"
	"github.com/banshee-data/posture.report/internal/version"
)

const (
	defaultSource  = "/dev/ttyUSB0"
	defaultFixture = "fixtures/sample.jsonl"
)

var (
	devMode         = flag.Bool("dev", false, "Run in dev mode, replaying -source as a fixture file")
	listen          = flag.String("listen", ":8080", "Listen address for the admin HTTP server")
	configPath      = flag.String("config", "", "Path to a JSON monitor config (defaults apply when empty)")
	source          = flag.String("source", defaultSource, "Serial device, '-' for stdin, or empty to run without input")
	dbPath          = flag.String("db-path", "posture.db", "Path to the history database (empty disables history)")
	calibrateFrames = flag.Int("calibrate-frames", 0, "Calibrate the ideal posture from the first N frames (0 disables)")
	showVersion     = flag.Bool("version", false, "Print version and exit")
)

// calibratePoll is how often the startup calibration checks the history.
const calibratePoll = 250 * time.Millisecond

func loadConfig(path string) (*config.MonitorConfig, error) {
	if path == "" {
		return config.EmptyMonitorConfig(), nil
	}
	return config.LoadMonitorConfig(path)
}

// openSource picks the keypoint source for the flags. In dev mode the
// default serial path is swapped for the bundled fixture.
func openSource(path string, dev bool, cfg *config.MonitorConfig, sink keypointsource.Sink) (keypointsource.SourceInterface, error) {
	switch {
	case path == "":
		return keypointsource.NewDisabledSource(), nil
	case path == "-":
		return keypointsource.NewStdinSource(sink), nil
	case dev:
		if path == defaultSource {
			path = defaultFixture
		}
		ladder := cfg.Framerates()
		period := time.Duration(ladder[cfg.GetFramerateIndex()].PeriodMs) * time.Millisecond
		return keypointsource.NewFixtureSource(path, period, true, sink)
	default:
		return keypointsource.NewRealSource(path, cfg.GetSerial(), sink)
	}
}

// calibrateAfter waits until the history holds frames results and then
// replaces the ideal posture with one calibrated from them.
func calibrateAfter(ctx context.Context, server *api.Server, history *api.History, frames int, tolerance float64) error {
	ticker := time.NewTicker(calibratePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if history.Len() < frames {
			continue
		}
		_, _, err := server.Calibrate(ctx, frames, &tolerance)
		return err
	}
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("posture"))
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	ideal, err := cfg.IdealPosture()
	if err != nil {
		log.Fatalf("invalid ideal posture: %v", err)
	}

	sender, err := notify.New(cfg.NotifyOptions())
	if err != nil {
		log.Fatalf("failed to start notifications: %v", err)
	}
	log.Print(version.String("posture"))
	log.Printf("notifications: mode=%s address=%s", cfg.GetNotifyMode(), cfg.GetNotifyAddress())

	historySize := api.DefaultHistorySize
	if *calibrateFrames > historySize {
		historySize = *calibrateFrames
	}
	history := api.NewHistory(historySize)
	observers := []pipeline.Observer{history}

	var (
		database *db.DB
		recorder *db.Recorder
	)
	if *dbPath != "" {
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		recorder = db.NewRecorder(database, 0)
		observers = append(observers, recorder)
	}

	p, err := pipeline.New(pipeline.Config{
		Ideal:               ideal,
		ConfidenceThreshold: cfg.GetConfidenceThreshold(),
		PoseChangeFrames:    cfg.GetPoseChangeFrames(),
		Framerates:          cfg.Framerates(),
		FramerateIndex:      cfg.GetFramerateIndex(),
		Sender:              sender,
		Observers:           observers,
	})
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}
	runner := pipeline.NewRunner(p, pipeline.NewMailbox(), cfg.GetStatsInterval())

	src, err := openSource(*source, *devMode, cfg, runner.Inbox())
	if err != nil {
		log.Fatalf("failed to open keypoint source: %v", err)
	}
	defer src.Close()

	server := api.NewServer(runner, history, database)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the runner owns the pipeline; it closes the sender on exit
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Run(ctx); err != nil {
			log.Printf("pipeline shutdown error: %v", err)
		}
		log.Print("pipeline routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := src.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor keypoint source: %v", err)
		}
		log.Print("source routine terminated")
	}()

	if *calibrateFrames > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := calibrateAfter(ctx, server, history, *calibrateFrames, cfg.GetToleranceDegrees())
			switch {
			case err == nil:
				log.Printf("startup calibration complete")
			case errors.Is(err, context.Canceled):
			default:
				log.Printf("startup calibration failed: %v", err)
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := server.ServeMux()
		server.AttachAdminRoutes(mux)
		src.AttachAdminRoutes(mux)
		if database != nil {
			database.AttachAdminRoutes(mux)
		}

		httpServer := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := httpServer.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	if recorder != nil {
		recorder.Close()
		stats := recorder.Stats()
		log.Printf("history: written=%d failed=%d dropped=%d", stats.Written, stats.Failed, stats.Dropped)
	}
	log.Printf("Graceful shutdown complete")
}
