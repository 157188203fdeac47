// Package posehistory records sampled marker poses to SQLite so tracking
// sessions can be replayed and inspected after the fact.
package posehistory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/marker.tracker/internal/httputil"
	"github.com/banshee-data/marker.tracker/internal/monitoring"
	"github.com/banshee-data/marker.tracker/internal/pose"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// Session is one recording run.
type Session struct {
	ID        string     `json:"session_id"`
	Mode      string     `json:"mode"`
	DeviceID  string     `json:"device_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Samples   int64      `json:"samples"`
}

// Sample is one marker's state at a sampling instant.
type Sample struct {
	SessionID  string
	MarkerID   pose.MarkerID
	SampledAt  time.Time
	Detected   bool
	Pose       pose.Pose
	LastUpdate time.Time
}

// Store is the pose history database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	s := &Store{db: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// MigrateUp runs all pending migrations. It is a no-op when the schema is
// current.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the schema version and dirty state. It returns
// 0, false, nil before any migration has run.
func (s *Store) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// StartSession creates a session row and returns its id.
func (s *Store) StartSession(ctx context.Context, mode, deviceID string, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, mode, device_id, started_at) VALUES (?, ?, ?, ?)`,
		id, mode, deviceID, at.UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ?`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// InsertSamples writes samples in one transaction.
func (s *Store) InsertSamples(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pose_samples (
			session_id, marker_id, sampled_at, detected,
			pos_x, pos_y, pos_z, rot_x, rot_y, rot_z, rot_w, last_update
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, smp := range samples {
		v := smp.Pose.Array()
		var last sql.NullInt64
		if !smp.LastUpdate.IsZero() {
			last = sql.NullInt64{Int64: smp.LastUpdate.UnixNano(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			smp.SessionID, int64(smp.MarkerID), smp.SampledAt.UnixNano(), smp.Detected,
			v[0], v[1], v[2], v[3], v[4], v[5], v[6], last,
		); err != nil {
			return fmt.Errorf("failed to insert sample for marker %d: %w", smp.MarkerID, err)
		}
	}
	return tx.Commit()
}

// Samples returns a marker's samples for a session in time order.
func (s *Store) Samples(ctx context.Context, sessionID string, id pose.MarkerID) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sampled_at, detected,
			pos_x, pos_y, pos_z, rot_x, rot_y, rot_z, rot_w, last_update
		FROM pose_samples
		WHERE session_id = ? AND marker_id = ?
		ORDER BY sampled_at`, sessionID, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			sampledAt int64
			detected  bool
			v         [7]float64
			last      sql.NullInt64
		)
		if err := rows.Scan(&sampledAt, &detected, &v[0], &v[1], &v[2], &v[3], &v[4], &v[5], &v[6], &last); err != nil {
			return nil, err
		}
		p, err := pose.FromArray(v)
		if err != nil {
			return nil, fmt.Errorf("stored pose for marker %d: %w", id, err)
		}
		smp := Sample{
			SessionID: sessionID,
			MarkerID:  id,
			SampledAt: time.Unix(0, sampledAt),
			Detected:  detected,
			Pose:      p,
		}
		if last.Valid {
			smp.LastUpdate = time.Unix(0, last.Int64)
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

// Sessions lists recorded sessions, newest first, with their sample
// counts.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s.session_id, s.mode, s.device_id, s.started_at, s.ended_at,
			(SELECT COUNT(*) FROM pose_samples p WHERE p.session_id = s.session_id)
		FROM sessions s
		ORDER BY s.started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess    Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&sess.ID, &sess.Mode, &sess.DeviceID, &started, &ended, &sess.Samples); err != nil {
			return nil, err
		}
		sess.StartedAt = time.Unix(0, started)
		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			sess.EndedAt = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts a live SQL console and a session listing on the
// tsweb debug page.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.db, &tailsql.DBOptions{
		Label: "Pose history",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("sessions", "Recorded tracking sessions (JSON)", httputil.GetOnly(s.handleSessions))
}

func (s *Store) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Sessions(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sessions)
}
