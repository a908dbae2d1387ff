// Package db stores monitoring sessions and posture transitions in SQLite.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/posture.report/internal/posture"
)

type DB struct {
	*sql.DB
	path string
}

// NewDB opens the database at path and applies the embedded migrations.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; sqlite serialises writes anyway.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Session is one monitoring run.
type Session struct {
	ID        string     `json:"session_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Frames    uint64     `json:"frames"`
}

// Transition is one debounced status change.
type Transition struct {
	ID           int64          `json:"transition_id"`
	SessionID    string         `json:"session_id"`
	Frame        uint64         `json:"frame"`
	From         posture.Status `json:"from"`
	To           posture.Status `json:"to"`
	Usable       int            `json:"usable"`
	MaxDeviation float64        `json:"max_deviation"`
	Timestamp    time.Time      `json:"timestamp"`
}

// RecordSession inserts a session, ignoring duplicates.
func (db *DB) RecordSession(ctx context.Context, id string, startedAt time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (session_id, started_at) VALUES (?, ?)`,
		id, startedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// EndSession stamps the end time and final frame count.
func (db *DB) EndSession(ctx context.Context, id string, endedAt time.Time, frames uint64) error {
	res, err := db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, frames = ? WHERE session_id = ?`,
		endedAt.UnixNano(), frames, id,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT session_id, started_at, ended_at, frames
		   FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s       Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &started, &ended, &s.Frames); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// RecordTransition inserts t and returns its row ID.
func (db *DB) RecordTransition(ctx context.Context, t Transition) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO transitions (
			session_id, frame, from_status, to_status, usable, max_deviation, ts_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.Frame, t.From.String(), t.To.String(), t.Usable, t.MaxDeviation,
		t.Timestamp.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record transition: %w", err)
	}
	return res.LastInsertId()
}

// TransitionFilter narrows Transitions. Zero values match everything.
type TransitionFilter struct {
	SessionID string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Transitions returns matching transitions in time order.
func (db *DB) Transitions(ctx context.Context, f TransitionFilter) ([]Transition, error) {
	query := `SELECT transition_id, session_id, frame, from_status, to_status,
	                 usable, COALESCE(max_deviation, 0), ts_unix_nanos
	            FROM transitions WHERE 1=1`
	var args []interface{}
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if !f.Since.IsZero() {
		query += ` AND ts_unix_nanos >= ?`
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		query += ` AND ts_unix_nanos < ?`
		args = append(args, f.Until.UnixNano())
	}
	query += ` ORDER BY ts_unix_nanos ASC, transition_id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t        Transition
			from, to string
			ts       int64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Frame, &from, &to, &t.Usable, &t.MaxDeviation, &ts); err != nil {
			return nil, err
		}
		if t.From, err = posture.ParseStatus(from); err != nil {
			return nil, err
		}
		if t.To, err = posture.ParseStatus(to); err != nil {
			return nil, err
		}
		t.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://posture.db", db.DB, &tailsql.DBOptions{
		Label: "Posture history",
	})

	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleFunc("transitions", "Recent posture transitions as JSON", func(w http.ResponseWriter, r *http.Request) {
		f := TransitionFilter{SessionID: r.URL.Query().Get("session"), Limit: 500}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			f.Limit = n
		}
		transitions, err := db.Transitions(r.Context(), f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(transitions); err != nil {
			log.Printf("failed to encode transitions: %v", err)
		}
	})

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.handleBackup))
}

func (db *DB) handleBackup(w http.ResponseWriter, r *http.Request) {
	dir := os.TempDir()
	if db.path != "" && db.path != ":memory:" {
		dir = filepath.Dir(db.path)
	}
	backupName := fmt.Sprintf("backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(dir, backupName)
	if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		backupFile.Close()
		if err := os.Remove(backupPath); err != nil {
			log.Printf("Failed to remove backup file: %v", err)
		}
	}()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", backupName))
	w.Header().Set("Content-Type", "application/gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		log.Printf("Failed to write backup file: %v", err)
	}
}
