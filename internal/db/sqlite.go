package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/envirocomply/envirocomply-core/internal/knowledge"
)

// migrations define the schema. Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS facilities (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    facility_id    TEXT NOT NULL UNIQUE,
    name           TEXT NOT NULL DEFAULT '',
    facility_type  TEXT NOT NULL DEFAULT '',
    payload        TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS regulations (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    regulation_id  TEXT NOT NULL UNIQUE,
    citation       TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT '',
    changed_at     TEXT NOT NULL,
    payload        TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_regulations_changed_at ON regulations(changed_at DESC);
`,
	},
	// Migration 2: compliance gaps. The partial unique index enforces at most
	// one non-closed gap per (facility, regulation, finding).
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS compliance_gaps (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    gap_id         TEXT NOT NULL UNIQUE,
    facility_id    TEXT NOT NULL,
    regulation_id  TEXT NOT NULL,
    finding_key    TEXT NOT NULL,
    status         TEXT NOT NULL,
    severity       TEXT NOT NULL,
    risk_score     REAL NOT NULL DEFAULT 0.0,
    version        INTEGER NOT NULL,
    payload        TEXT NOT NULL,
    identified_at  TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_gaps_active_key
    ON compliance_gaps(facility_id, regulation_id, finding_key) WHERE status != 'closed';
CREATE INDEX IF NOT EXISTS idx_gaps_facility_status ON compliance_gaps(facility_id, status);
`,
	},
	// Migration 3: append-only decision log.
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS agent_decisions (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    decision_id   TEXT NOT NULL UNIQUE,
    run_id        TEXT NOT NULL,
    sequence      INTEGER NOT NULL,
    stage_name    TEXT NOT NULL,
    success       INTEGER NOT NULL,
    corrects_id   TEXT NOT NULL DEFAULT '',
    content_hash  TEXT NOT NULL,
    payload       TEXT NOT NULL,
    timestamp     TEXT NOT NULL,
    UNIQUE(run_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_decisions_run ON agent_decisions(run_id, sequence ASC);

CREATE TRIGGER IF NOT EXISTS agent_decisions_no_update
BEFORE UPDATE ON agent_decisions
BEGIN
    SELECT RAISE(ABORT, 'agent_decisions is append-only');
END;

CREATE TRIGGER IF NOT EXISTS agent_decisions_no_delete
BEFORE DELETE ON agent_decisions
BEGIN
    SELECT RAISE(ABORT, 'agent_decisions is append-only');
END;
`,
	},
	// Migration 4: reports + regulatory alerts.
	{
		version: 4,
		sql: `
CREATE TABLE IF NOT EXISTS reports (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    report_id     TEXT NOT NULL UNIQUE,
    run_id        TEXT NOT NULL DEFAULT '',
    payload       TEXT NOT NULL,
    generated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_run ON reports(run_id);

CREATE TABLE IF NOT EXISTS regulatory_alerts (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    alert_id      TEXT NOT NULL UNIQUE,
    alert_key     TEXT NOT NULL UNIQUE,
    facility_id   TEXT NOT NULL DEFAULT '',
    severity      TEXT NOT NULL,
    acknowledged  INTEGER NOT NULL DEFAULT 0,
    payload       TEXT NOT NULL,
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_ack ON regulatory_alerts(acknowledged, created_at DESC);
`,
	},
	// Migration 5: regulation deadlines for the upcoming-deadline sweep.
	{
		version: 5,
		sql: `
ALTER TABLE regulations ADD COLUMN compliance_deadline TEXT;
CREATE INDEX IF NOT EXISTS idx_regulations_deadline ON regulations(compliance_deadline);
`,
	},
}

// SQLiteStore is the SQLite-backed knowledge store.
type SQLiteStore struct {
	db *sql.DB
}

var _ knowledge.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection serializes writers and keeps ":memory:" databases
	// shared across the pool.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Helpers ─────────────────────────────────────────────────────────────────

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime handles the formats SQLite may hand back.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

func decode(payload string, v any) error {
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// inClause appends "AND col IN (?,?,...)" for values.
func inClause(query string, args []any, col string, values []string) (string, []any) {
	if len(values) == 0 {
		return query, args
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	query += fmt.Sprintf(" AND %s IN (%s)", col, marks)
	for _, v := range values {
		args = append(args, v)
	}
	return query, args
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type rowScanner interface {
	Scan(dest ...any) error
}
