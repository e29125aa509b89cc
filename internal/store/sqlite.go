// Package store provides SQLite-backed persistence for the proposal engine.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

// Querier is the subset of *sql.DB and *sql.Tx the repos need. The database
// runs with a single connection, so reads made while a transaction is open
// must go through that transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS suggestions (
	id                     TEXT PRIMARY KEY,
	project_id             TEXT NOT NULL,
	target_type            TEXT NOT NULL,
	target_id              TEXT NOT NULL DEFAULT '',
	operation              TEXT NOT NULL,
	tool_name              TEXT NOT NULL DEFAULT '',
	tool_call_id           TEXT NOT NULL DEFAULT '',
	proposed_patch         TEXT NOT NULL DEFAULT '{}',
	normalized_patch       TEXT NOT NULL DEFAULT '',
	editor_context_json    TEXT NOT NULL DEFAULT '',
	stage                  TEXT NOT NULL DEFAULT 'pending',
	status                 TEXT NOT NULL DEFAULT 'proposed',
	resolution             TEXT NOT NULL DEFAULT '',
	preflight_json         TEXT NOT NULL DEFAULT '',
	risk_level             TEXT NOT NULL DEFAULT 'low',
	actor_json             TEXT NOT NULL DEFAULT '{}',
	created_at             INTEGER NOT NULL,
	updated_at             INTEGER NOT NULL,
	resolved_at            INTEGER NOT NULL DEFAULT 0,
	resolved_by_user_id    TEXT NOT NULL DEFAULT '',
	result_json            TEXT NOT NULL DEFAULT '',
	error                  TEXT NOT NULL DEFAULT '',
	rollback_json          TEXT NOT NULL DEFAULT '',
	rolled_back_at         INTEGER,
	rolled_back_by_user_id TEXT NOT NULL DEFAULT '',
	version                INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_suggestions_project_created ON suggestions(project_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_suggestions_project_status ON suggestions(project_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_suggestions_tool_call ON suggestions(project_id, tool_call_id) WHERE tool_call_id <> '';

CREATE TABLE IF NOT EXISTS citations (
	id              TEXT PRIMARY KEY,
	suggestion_id   TEXT NOT NULL,
	source_kind     TEXT NOT NULL,
	memory_id       TEXT NOT NULL DEFAULT '',
	memory_category TEXT NOT NULL DEFAULT '',
	asset_id        TEXT NOT NULL DEFAULT '',
	region_json     TEXT NOT NULL DEFAULT '',
	visibility      TEXT NOT NULL DEFAULT 'project',
	excerpt         TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_citations_suggestion ON citations(suggestion_id);

CREATE TABLE IF NOT EXISTS entities (
	id                       TEXT PRIMARY KEY,
	project_id               TEXT NOT NULL,
	type                     TEXT NOT NULL,
	name                     TEXT NOT NULL,
	properties_json          TEXT NOT NULL DEFAULT '{}',
	version                  INTEGER NOT NULL DEFAULT 1,
	created_by_suggestion_id TEXT NOT NULL DEFAULT '',
	created_at               INTEGER NOT NULL,
	updated_at               INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_project_name ON entities(project_id, name);

CREATE TABLE IF NOT EXISTS relationships (
	id                       TEXT PRIMARY KEY,
	project_id               TEXT NOT NULL,
	source_id                TEXT NOT NULL,
	target_id                TEXT NOT NULL,
	type                     TEXT NOT NULL,
	properties_json          TEXT NOT NULL DEFAULT '{}',
	version                  INTEGER NOT NULL DEFAULT 1,
	created_by_suggestion_id TEXT NOT NULL DEFAULT '',
	created_at               INTEGER NOT NULL,
	updated_at               INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_id);
CREATE INDEX IF NOT EXISTS idx_relationships_created_by ON relationships(created_by_suggestion_id);

CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS suggestion_events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id    TEXT NOT NULL,
	seq_no        INTEGER NOT NULL,
	suggestion_id TEXT NOT NULL DEFAULT '',
	event_type    TEXT NOT NULL,
	payload_json  TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL,
	UNIQUE(project_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_events_project_seq ON suggestion_events(project_id, seq_no);

CREATE TABLE IF NOT EXISTS audit_records (
	id            TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL,
	suggestion_id TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL,
	actor         TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	request_json  TEXT NOT NULL DEFAULT '{}',
	decision_json TEXT NOT NULL DEFAULT '{}',
	severity      TEXT NOT NULL DEFAULT 'info',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_suggestion ON audit_records(suggestion_id);
CREATE INDEX IF NOT EXISTS idx_audit_project ON audit_records(project_id);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, domain.WrapEngineError(domain.ErrStoreInit, "migrate schema", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// encodeJSON marshals v into a TEXT column value. Nil values are stored as ''.
func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "", nil
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
