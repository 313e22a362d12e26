package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:learnhall.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/learnhall?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	if err := EnsureSchema(ctx, db, driver); err != nil {
		return nil, err
	}
	return db, nil
}

// EnsureSchema is exported so store tests can run against a bare sqlite handle.
func EnsureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Timestamps are unix seconds. Completion flags are 0/1 integers so both
// drivers scan them identically.
const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS course_progress (
  user_id TEXT NOT NULL,
  course_id TEXT NOT NULL,
  module_id TEXT NOT NULL DEFAULT '',
  watched_pct INTEGER NOT NULL DEFAULT 0,
  completed INTEGER NOT NULL DEFAULT 0,
  completed_at INTEGER,
  last_accessed INTEGER NOT NULL,
  PRIMARY KEY (user_id, course_id)
);
CREATE INDEX IF NOT EXISTS idx_course_progress_module ON course_progress(user_id, module_id);

CREATE TABLE IF NOT EXISTS module_enrollments (
  user_id TEXT NOT NULL,
  module_id TEXT NOT NULL,
  progress_pct INTEGER NOT NULL DEFAULT 0,
  completed INTEGER NOT NULL DEFAULT 0,
  completed_at INTEGER,
  quiz_score INTEGER,
  submodules_unlocked INTEGER NOT NULL DEFAULT 0,
  last_accessed INTEGER NOT NULL,
  PRIMARY KEY (user_id, module_id)
);

CREATE TABLE IF NOT EXISTS exams (
  id TEXT PRIMARY KEY,
  course_id TEXT NOT NULL DEFAULT '',
  module_id TEXT NOT NULL DEFAULT '',
  lesson_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL,
  questions_json TEXT NOT NULL,
  passing_score INTEGER NOT NULL DEFAULT 80,
  cooldown_minutes INTEGER NOT NULL DEFAULT 5,
  allowed_attempts INTEGER NOT NULL DEFAULT -1,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exams_course ON exams(course_id, created_at);
CREATE INDEX IF NOT EXISTS idx_exams_lesson ON exams(module_id, lesson_id, created_at);

CREATE TABLE IF NOT EXISTS exam_results (
  exam_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  last_score INTEGER NOT NULL DEFAULT 0,
  passed INTEGER NOT NULL DEFAULT 0,
  passed_at INTEGER,
  last_attempt_at INTEGER NOT NULL,
  can_retry_at INTEGER,
  answers_json TEXT NOT NULL DEFAULT '[]',
  PRIMARY KEY (exam_id, user_id)
);

CREATE TABLE IF NOT EXISTS points_ledger (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  points INTEGER NOT NULL,
  reason TEXT NOT NULL,
  ref TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_points_ledger_user ON points_ledger(user_id, created_at);

CREATE TABLE IF NOT EXISTS points_totals (
  user_id TEXT PRIMARY KEY,
  total INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS event_log (
  "offset" INTEGER PRIMARY KEY AUTOINCREMENT, -- BIGSERIAL in Postgres
  site_id TEXT NOT NULL DEFAULT 'local',
  typ TEXT NOT NULL,                         -- e.g., ExamPassed
  key TEXT NOT NULL,                         -- natural key: userID:entityID
  data TEXT NOT NULL,                        -- JSON payload
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL UNIQUE,
  pass_hash TEXT NOT NULL,
  role TEXT NOT NULL DEFAULT 'student',
  created_at INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS course_progress (
  user_id TEXT NOT NULL,
  course_id TEXT NOT NULL,
  module_id TEXT NOT NULL DEFAULT '',
  watched_pct INTEGER NOT NULL DEFAULT 0,
  completed INTEGER NOT NULL DEFAULT 0,
  completed_at BIGINT,
  last_accessed BIGINT NOT NULL,
  PRIMARY KEY (user_id, course_id)
);
CREATE INDEX IF NOT EXISTS idx_course_progress_module ON course_progress(user_id, module_id);

CREATE TABLE IF NOT EXISTS module_enrollments (
  user_id TEXT NOT NULL,
  module_id TEXT NOT NULL,
  progress_pct INTEGER NOT NULL DEFAULT 0,
  completed INTEGER NOT NULL DEFAULT 0,
  completed_at BIGINT,
  quiz_score INTEGER,
  submodules_unlocked INTEGER NOT NULL DEFAULT 0,
  last_accessed BIGINT NOT NULL,
  PRIMARY KEY (user_id, module_id)
);

CREATE TABLE IF NOT EXISTS exams (
  id TEXT PRIMARY KEY,
  course_id TEXT NOT NULL DEFAULT '',
  module_id TEXT NOT NULL DEFAULT '',
  lesson_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL,
  questions_json TEXT NOT NULL,
  passing_score INTEGER NOT NULL DEFAULT 80,
  cooldown_minutes INTEGER NOT NULL DEFAULT 5,
  allowed_attempts INTEGER NOT NULL DEFAULT -1,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exams_course ON exams(course_id, created_at);
CREATE INDEX IF NOT EXISTS idx_exams_lesson ON exams(module_id, lesson_id, created_at);

CREATE TABLE IF NOT EXISTS exam_results (
  exam_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  last_score INTEGER NOT NULL DEFAULT 0,
  passed INTEGER NOT NULL DEFAULT 0,
  passed_at BIGINT,
  last_attempt_at BIGINT NOT NULL,
  can_retry_at BIGINT,
  answers_json TEXT NOT NULL DEFAULT '[]',
  PRIMARY KEY (exam_id, user_id)
);

CREATE TABLE IF NOT EXISTS points_ledger (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  points INTEGER NOT NULL,
  reason TEXT NOT NULL,
  ref TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_points_ledger_user ON points_ledger(user_id, created_at);

CREATE TABLE IF NOT EXISTS points_totals (
  user_id TEXT PRIMARY KEY,
  total INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS event_log (
  "offset" BIGSERIAL PRIMARY KEY,
  site_id TEXT NOT NULL DEFAULT 'local',
  typ TEXT NOT NULL,
  key TEXT NOT NULL,
  data TEXT NOT NULL,
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL UNIQUE,
  pass_hash TEXT NOT NULL,
  role TEXT NOT NULL DEFAULT 'student',
  created_at BIGINT NOT NULL
);
`
