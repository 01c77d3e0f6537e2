// Package store persists pickup attempts, patrol sessions, hotspot locations
// and learned parameters in SQLite. The schema is managed with embedded
// migrations.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/yardbot/excavator/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Attempt is one pickup attempt record.
type Attempt struct {
	ID               int64
	Timestamp        time.Time
	PositionX        float64
	PositionY        float64
	TargetConfidence float64
	TargetSize       int
	Timings          map[string]float64
	Success          bool
	FailureReason    string
	SessionID        int64
}

// Session is one patrol session record.
type Session struct {
	ID                int64
	Tag               string
	StartTime         time.Time
	EndTime           time.Time
	Ended             bool
	CoveragePercent   float64
	TotalPickups      int
	SuccessfulPickups int
	PatternType       string
}

// Hotspot is a grid cell where targets were repeatedly found.
type Hotspot struct {
	Row   int `json:"row"`
	Col   int `json:"col"`
	Count int `json:"count"`
}

// Statistics summarizes the attempt history.
type Statistics struct {
	TotalAttempts      int     `json:"total_attempts"`
	SuccessfulAttempts int     `json:"successful_attempts"`
	FailedAttempts     int     `json:"failed_attempts"`
	SuccessRate        float64 `json:"success_rate"`
	TotalSessions      int     `json:"total_sessions"`
}

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent access and keeps :memory: databases on
	// one connection.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	monitoring.Logf("store opened: %s", path)
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: loading migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("store: preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("store: preparing migrations: %w", err)
	}
	// Note: the migrate instance is not closed because that would close the
	// underlying DB connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: applying migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// LogPickupAttempt records a pickup attempt and returns its ID.
func (s *Store) LogPickupAttempt(a Attempt) (int64, error) {
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	timing := func(name string) any {
		if v, ok := a.Timings[name]; ok {
			return v
		}
		return nil
	}
	var failure any
	if a.FailureReason != "" {
		failure = a.FailureReason
	}
	var session any
	if a.SessionID != 0 {
		session = a.SessionID
	}

	res, err := s.db.Exec(`
		INSERT INTO pickup_attempts (
			timestamp, position_x, position_y, target_confidence, target_size,
			boom_up_time, boom_down_time, arm_up_time, arm_down_time, bucket_scoop_time,
			success, failure_reason, patrol_session_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		unixFloat(ts), a.PositionX, a.PositionY, a.TargetConfidence, a.TargetSize,
		timing("boom_up_full"), timing("boom_down_full"),
		timing("arm_up_full"), timing("arm_down_full"), timing("bucket_scoop"),
		boolToInt(a.Success), failure, session,
	)
	if err != nil {
		return 0, fmt.Errorf("store: logging pickup attempt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: logging pickup attempt: %w", err)
	}

	outcome := "FAILURE"
	if a.Success {
		outcome = "SUCCESS"
	}
	monitoring.Logf("logged pickup attempt #%d: %s", id, outcome)
	return id, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// StartSession opens a new patrol session and returns its ID and tag. Any
// session left open by a crash is closed first so at most one session is ever
// open.
func (s *Store) StartSession(patternType string) (int64, string, error) {
	if _, err := s.db.Exec(
		`UPDATE patrol_sessions SET end_time = ? WHERE end_time IS NULL`,
		unixFloat(time.Now()),
	); err != nil {
		return 0, "", fmt.Errorf("store: closing stale sessions: %w", err)
	}

	tag := uuid.NewString()
	res, err := s.db.Exec(
		`INSERT INTO patrol_sessions (session_tag, start_time, pattern_type) VALUES (?, ?, ?)`,
		tag, unixFloat(time.Now()), patternType,
	)
	if err != nil {
		return 0, "", fmt.Errorf("store: starting session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, "", fmt.Errorf("store: starting session: %w", err)
	}

	monitoring.Logf("started patrol session #%d (%s)", id, tag)
	return id, tag, nil
}

// EndSession closes a session with its final figures. Idempotent: ending an
// already ended session only updates the figures.
func (s *Store) EndSession(id int64, coveragePercent float64, totalPickups, successfulPickups int) error {
	_, err := s.db.Exec(`
		UPDATE patrol_sessions
		SET end_time = ?, coverage_percent = ?, total_pickups = ?, successful_pickups = ?
		WHERE id = ?`,
		unixFloat(time.Now()), coveragePercent, totalPickups, successfulPickups, id,
	)
	if err != nil {
		return fmt.Errorf("store: ending session %d: %w", id, err)
	}
	monitoring.Logf("ended patrol session #%d: %d/%d successful", id, successfulPickups, totalPickups)
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (s *Store) Sessions(limit int) ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, session_tag, start_time, end_time,
		       COALESCE(coverage_percent, 0), total_pickups, successful_pickups,
		       COALESCE(pattern_type, '')
		FROM patrol_sessions
		ORDER BY start_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess  Session
			start float64
			end   sql.NullFloat64
		)
		if err := rows.Scan(&sess.ID, &sess.Tag, &start, &end,
			&sess.CoveragePercent, &sess.TotalPickups, &sess.SuccessfulPickups,
			&sess.PatternType); err != nil {
			return nil, fmt.Errorf("store: scanning session: %w", err)
		}
		sess.StartTime = floatToTime(start)
		if end.Valid {
			sess.EndTime = floatToTime(end.Float64)
			sess.Ended = true
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func floatToTime(f float64) time.Time {
	return time.Unix(0, int64(f*float64(time.Second)))
}

// SuccessRate returns the fraction of successful attempts over the last n
// attempts, or over all attempts when n <= 0. Returns 0 with no attempts.
func (s *Store) SuccessRate(lastN int) (float64, error) {
	var (
		rate sql.NullFloat64
		err  error
	)
	if lastN > 0 {
		err = s.db.QueryRow(`
			SELECT AVG(success) FROM (
				SELECT success FROM pickup_attempts
				ORDER BY timestamp DESC LIMIT ?
			)`, lastN).Scan(&rate)
	} else {
		err = s.db.QueryRow(`SELECT AVG(success) FROM pickup_attempts`).Scan(&rate)
	}
	if err != nil {
		return 0, fmt.Errorf("store: computing success rate: %w", err)
	}
	if !rate.Valid {
		return 0, nil
	}
	return rate.Float64, nil
}

// BestTimings returns the average timing parameters across successful
// attempts. Returns an empty map when no attempt has succeeded yet.
func (s *Store) BestTimings() (map[string]float64, error) {
	var boomUp, boomDown, armUp, armDown, bucketScoop sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT AVG(boom_up_time), AVG(boom_down_time),
		       AVG(arm_up_time), AVG(arm_down_time), AVG(bucket_scoop_time)
		FROM pickup_attempts
		WHERE success = 1`).
		Scan(&boomUp, &boomDown, &armUp, &armDown, &bucketScoop)
	if err != nil {
		return nil, fmt.Errorf("store: computing best timings: %w", err)
	}

	out := make(map[string]float64)
	for name, v := range map[string]sql.NullFloat64{
		"boom_up_full":   boomUp,
		"boom_down_full": boomDown,
		"arm_up_full":    armUp,
		"arm_down_full":  armDown,
		"bucket_scoop":   bucketScoop,
	} {
		if v.Valid {
			out[name] = v.Float64
		}
	}
	return out, nil
}

// FailureModes returns failure reasons with their counts, most common first.
func (s *Store) FailureModes() (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT failure_reason, COUNT(*)
		FROM pickup_attempts
		WHERE success = 0 AND failure_reason IS NOT NULL
		GROUP BY failure_reason
		ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: listing failure modes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			reason string
			count  int
		)
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("store: scanning failure mode: %w", err)
		}
		out[reason] = count
	}
	return out, rows.Err()
}

// RecordHotspot increments the find count for a grid cell.
func (s *Store) RecordHotspot(row, col int) error {
	_, err := s.db.Exec(`
		INSERT INTO hotspot_locations (grid_row, grid_col, find_count, last_found)
		VALUES (?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT (grid_row, grid_col) DO UPDATE SET
			find_count = find_count + 1,
			last_found = CURRENT_TIMESTAMP`,
		row, col)
	if err != nil {
		return fmt.Errorf("store: recording hotspot (%d,%d): %w", row, col, err)
	}
	return nil
}

// Hotspots returns cells found at least minCount times, busiest first.
func (s *Store) Hotspots(minCount int) ([]Hotspot, error) {
	rows, err := s.db.Query(`
		SELECT grid_row, grid_col, find_count
		FROM hotspot_locations
		WHERE find_count >= ?
		ORDER BY find_count DESC`, minCount)
	if err != nil {
		return nil, fmt.Errorf("store: listing hotspots: %w", err)
	}
	defer rows.Close()

	var out []Hotspot
	for rows.Next() {
		var h Hotspot
		if err := rows.Scan(&h.Row, &h.Col, &h.Count); err != nil {
			return nil, fmt.Errorf("store: scanning hotspot: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SaveLearnedParameter upserts a learned timing parameter.
func (s *Store) SaveLearnedParameter(name string, value, successRate float64, attempts int) error {
	_, err := s.db.Exec(`
		INSERT INTO learned_parameters (parameter_name, parameter_value, success_rate, attempts_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (parameter_name) DO UPDATE SET
			parameter_value = excluded.parameter_value,
			success_rate = excluded.success_rate,
			attempts_count = excluded.attempts_count,
			updated_at = CURRENT_TIMESTAMP`,
		name, value, successRate, attempts)
	if err != nil {
		return fmt.Errorf("store: saving learned parameter %s: %w", name, err)
	}
	return nil
}

// LearnedParameter returns a learned parameter value. The second result is
// false when the parameter has never been saved.
func (s *Store) LearnedParameter(name string) (float64, bool, error) {
	var value float64
	err := s.db.QueryRow(
		`SELECT parameter_value FROM learned_parameters WHERE parameter_name = ?`,
		name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: reading learned parameter %s: %w", name, err)
	}
	return value, true, nil
}

// Stats returns overall attempt and session statistics.
func (s *Store) Stats() (Statistics, error) {
	var st Statistics
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pickup_attempts`).Scan(&st.TotalAttempts); err != nil {
		return st, fmt.Errorf("store: counting attempts: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pickup_attempts WHERE success = 1`).Scan(&st.SuccessfulAttempts); err != nil {
		return st, fmt.Errorf("store: counting successes: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM patrol_sessions`).Scan(&st.TotalSessions); err != nil {
		return st, fmt.Errorf("store: counting sessions: %w", err)
	}
	st.FailedAttempts = st.TotalAttempts - st.SuccessfulAttempts
	if st.TotalAttempts > 0 {
		st.SuccessRate = float64(st.SuccessfulAttempts) / float64(st.TotalAttempts)
	}
	return st, nil
}
