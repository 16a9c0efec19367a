// Package persistence implements the engine's append-only historian (C5):
// variable samples, periodic system metrics, the audit trail, and connection
// lifecycle records, all in a single on-disk SQLite database file. Every
// query returns newest-first; a retention sweep prunes rows past a
// configurable age.
package persistence

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the on-disk database file under the configured data directory.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) gateway.db under dataDir and ensures the schema
// exists. Tables are created additively so upgrades never drop data.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "gateway.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; avoid "database is locked"

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS variable_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			variable_id TEXT NOT NULL,
			value TEXT NOT NULL,
			quality TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_variable_history_var_time ON variable_history(variable_id, recorded_at DESC)`,

		`CREATE TABLE IF NOT EXISTS system_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_system_metrics_name_time ON system_metrics(name, recorded_at DESC)`,

		`CREATE TABLE IF NOT EXISTS audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			target TEXT NOT NULL,
			detail TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_time ON audit(recorded_at DESC)`,

		`CREATE TABLE IF NOT EXISTS connections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id TEXT NOT NULL,
			event TEXT NOT NULL,
			detail TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_id_time ON connections(connection_id, recorded_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// ============================================================================
// VARIABLE HISTORY
// ============================================================================

type VariableSample struct {
	ID         int64
	VariableID string
	Value      string
	Quality    string
	RecordedAt time.Time
}

func (s *Store) RecordVariableSample(variableID, value, quality string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO variable_history (variable_id, value, quality, recorded_at) VALUES (?, ?, ?, ?)`,
		variableID, value, quality, at.UnixNano(),
	)
	return err
}

// VariableHistory returns up to limit samples for variableID, newest first.
func (s *Store) VariableHistory(variableID string, limit int) ([]VariableSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, variable_id, value, quality, recorded_at FROM variable_history
		 WHERE variable_id = ? ORDER BY recorded_at DESC LIMIT ?`,
		variableID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VariableSample
	for rows.Next() {
		var v VariableSample
		var ns int64
		if err := rows.Scan(&v.ID, &v.VariableID, &v.Value, &v.Quality, &ns); err != nil {
			return nil, err
		}
		v.RecordedAt = time.Unix(0, ns)
		out = append(out, v)
	}
	return out, rows.Err()
}

// VariableStats is the durable-store equivalent of the Ring Buffer's Stats:
// count over all persisted samples, min/max/average over the numeric ones,
// and the latest recorded value regardless of type. Unlike the Ring Buffer
// it survives a restart, since it reads from the on-disk history table
// rather than in-memory state.
type VariableStats struct {
	VariableID string
	Count      int64
	Numeric    bool
	Min        float64
	Max        float64
	Average    float64
	Latest     string
	LatestAt   time.Time
}

// Statistics computes count/min/max/average (over numeric samples) and the
// latest value for variableID from the durable history table. O(n) in the
// number of persisted samples for that variable.
func (s *Store) Statistics(variableID string) (VariableStats, error) {
	st := VariableStats{VariableID: variableID}

	row := s.db.QueryRow(`SELECT COUNT(*) FROM variable_history WHERE variable_id = ?`, variableID)
	if err := row.Scan(&st.Count); err != nil {
		return st, err
	}
	if st.Count == 0 {
		return st, nil
	}

	rows, err := s.db.Query(
		`SELECT value, recorded_at FROM variable_history WHERE variable_id = ? ORDER BY recorded_at DESC`,
		variableID,
	)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	var sum float64
	var numericCount int64
	first := true
	for rows.Next() {
		var value string
		var ns int64
		if err := rows.Scan(&value, &ns); err != nil {
			return st, err
		}
		if first {
			st.Latest = value
			st.LatestAt = time.Unix(0, ns)
			first = false
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			continue
		}
		st.Numeric = true
		numericCount++
		sum += f
		if numericCount == 1 || f < st.Min {
			st.Min = f
		}
		if numericCount == 1 || f > st.Max {
			st.Max = f
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	if numericCount > 0 {
		st.Average = sum / float64(numericCount)
	}
	return st, nil
}

// ============================================================================
// SYSTEM METRICS
// ============================================================================

func (s *Store) RecordMetric(name string, value float64, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO system_metrics (name, value, recorded_at) VALUES (?, ?, ?)`,
		name, value, at.UnixNano(),
	)
	return err
}

type MetricSample struct {
	Name       string
	Value      float64
	RecordedAt time.Time
}

func (s *Store) MetricHistory(name string, limit int) ([]MetricSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT name, value, recorded_at FROM system_metrics
		 WHERE name = ? ORDER BY recorded_at DESC LIMIT ?`,
		name, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MetricSample
	for rows.Next() {
		var m MetricSample
		var ns int64
		if err := rows.Scan(&m.Name, &m.Value, &ns); err != nil {
			return nil, err
		}
		m.RecordedAt = time.Unix(0, ns)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ============================================================================
// AUDIT TRAIL
// ============================================================================

type AuditRecord struct {
	ID         int64
	Actor      string
	Action     string
	Target     string
	Detail     string
	RecordedAt time.Time
}

func (s *Store) RecordAudit(actor, action, target, detail string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO audit (actor, action, target, detail, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		actor, action, target, detail, at.UnixNano(),
	)
	return err
}

// AuditTrail returns up to limit audit records, newest first, optionally
// filtered to a single actor (empty string means all actors).
func (s *Store) AuditTrail(actor string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, actor, action, target, detail, recorded_at FROM audit`
	args := []any{}
	if actor != "" {
		query += ` WHERE actor = ?`
		args = append(args, actor)
	}
	query += ` ORDER BY recorded_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var a AuditRecord
		var ns int64
		if err := rows.Scan(&a.ID, &a.Actor, &a.Action, &a.Target, &a.Detail, &ns); err != nil {
			return nil, err
		}
		a.RecordedAt = time.Unix(0, ns)
		out = append(out, a)
	}
	return out, rows.Err()
}

// AuditByTarget returns up to limit audit records naming target (a variable
// or connection ID), newest first.
func (s *Store) AuditByTarget(target string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, actor, action, target, detail, recorded_at FROM audit
		 WHERE target = ? ORDER BY recorded_at DESC LIMIT ?`,
		target, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var a AuditRecord
		var ns int64
		if err := rows.Scan(&a.ID, &a.Actor, &a.Action, &a.Target, &a.Detail, &ns); err != nil {
			return nil, err
		}
		a.RecordedAt = time.Unix(0, ns)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ============================================================================
// CONNECTION LIFECYCLE
// ============================================================================

func (s *Store) RecordConnectionEvent(connectionID, event, detail string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO connections (connection_id, event, detail, recorded_at) VALUES (?, ?, ?, ?)`,
		connectionID, event, detail, at.UnixNano(),
	)
	return err
}

type ConnectionEvent struct {
	ConnectionID string
	Event        string
	Detail       string
	RecordedAt   time.Time
}

func (s *Store) ConnectionHistory(connectionID string, limit int) ([]ConnectionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT connection_id, event, detail, recorded_at FROM connections
		 WHERE connection_id = ? ORDER BY recorded_at DESC LIMIT ?`,
		connectionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConnectionEvent
	for rows.Next() {
		var c ConnectionEvent
		var ns int64
		if err := rows.Scan(&c.ConnectionID, &c.Event, &c.Detail, &ns); err != nil {
			return nil, err
		}
		c.RecordedAt = time.Unix(0, ns)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ============================================================================
// RETENTION
// ============================================================================

// Cleanup deletes rows older than retentionDays across every table and
// returns the total number of rows removed.
func (s *Store) Cleanup(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixNano()

	var total int64
	tables := []string{"variable_history", "system_metrics", "audit", "connections"}
	for _, table := range tables {
		res, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %s WHERE recorded_at < ?`, table), cutoff)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
