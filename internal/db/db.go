// Package db stores the controller's session and lid actuation history in
// SQLite.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/wastesort/internal/controller"
	"github.com/banshee-data/wastesort/internal/lid"
	"github.com/banshee-data/wastesort/internal/waste"
)

// timeLayout is used for every timestamp column so that text ordering is
// chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (creating if needed) the event log at path and applies any
// pending migrations.
func NewDB(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	ID        string     `json:"id"`
	Peer      string     `json:"peer"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
	Commands  int        `json:"commands"`
}

func (db *DB) RecordSessionStart(id, peer string, startedAt time.Time) error {
	_, err := db.Exec(
		`INSERT INTO sessions (id, peer, started_at) VALUES (?, ?, ?)`,
		id, peer, formatTime(startedAt),
	)
	return err
}

func (db *DB) RecordSessionEnd(id string, endedAt time.Time, reason string, commands int) error {
	res, err := db.Exec(
		`UPDATE sessions SET ended_at = ?, end_reason = ?, commands = ? WHERE id = ?`,
		formatTime(endedAt), reason, commands, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(limit int) ([]SessionRecord, error) {
	rows, err := db.Query(
		`SELECT id, peer, started_at, ended_at, end_reason, commands
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec       SessionRecord
			startedAt string
			endedAt   sql.NullString
			reason    sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Peer, &startedAt, &endedAt, &reason, &rec.Commands); err != nil {
			return nil, err
		}
		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("session %s: %w", rec.ID, err)
		}
		if endedAt.Valid {
			t, err := parseTime(endedAt.String)
			if err != nil {
				return nil, fmt.Errorf("session %s: %w", rec.ID, err)
			}
			rec.EndedAt = &t
		}
		rec.EndReason = reason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (db *DB) RecordLidEvent(ev lid.Event) error {
	_, err := db.Exec(
		`INSERT INTO lid_events (bin, action, source, angle, at) VALUES (?, ?, ?, ?, ?)`,
		string(ev.Bin), string(ev.Action), string(ev.Source), ev.Angle, formatTime(ev.At),
	)
	return err
}

// RecentLidEvents returns up to limit events, newest first. An empty bin
// returns events for every bin.
func (db *DB) RecentLidEvents(bin waste.BinID, limit int) ([]lid.Event, error) {
	rows, err := db.Query(
		`SELECT bin, action, source, angle, at FROM lid_events
		 WHERE ? = '' OR bin = ?
		 ORDER BY at DESC, event_id DESC LIMIT ?`,
		string(bin), string(bin), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []lid.Event
	for rows.Next() {
		var (
			ev                lid.Event
			binS, action, src string
			at                string
		)
		if err := rows.Scan(&binS, &action, &src, &ev.Angle, &at); err != nil {
			return nil, err
		}
		ev.Bin = waste.BinID(binS)
		ev.Action = lid.Action(action)
		ev.Source = lid.Source(src)
		if ev.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ObserveLid is a lid observer that records every actuation. Failures are
// logged, never returned to the actuator.
func (db *DB) ObserveLid(ev lid.Event) {
	if err := db.RecordLidEvent(ev); err != nil {
		log.Error().Err(err).Str("bin", string(ev.Bin)).Msg("failed to record lid event")
	}
}

// SessionStarted implements controller.SessionObserver.
func (db *DB) SessionStarted(s controller.Session) {
	if err := db.RecordSessionStart(s.ID, s.Peer, s.StartedAt); err != nil {
		log.Error().Err(err).Str("session", s.ID).Msg("failed to record session start")
	}
}

// SessionEnded implements controller.SessionObserver.
func (db *DB) SessionEnded(s controller.Session, endedAt time.Time, reason string) {
	if err := db.RecordSessionEnd(s.ID, endedAt, reason, s.Commands); err != nil {
		log.Error().Err(err).Str("session", s.ID).Msg("failed to record session end")
	}
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Wastesort event log",
	})

	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the event log now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("wastesort-backup-%d.db", time.Now().Unix()))
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
				log.Warn().Err(err).Msg("failed to remove backup file")
			}
		}()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			log.Warn().Err(err).Msg("failed to stream backup")
		}
	}))
	return nil
}
