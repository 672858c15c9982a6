package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/helm/core/pkg/envelope"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	rowid_seq INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	tenant TEXT NOT NULL,
	workspace TEXT NOT NULL,
	agent TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	role TEXT NOT NULL,
	envelope_json TEXT NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_idempotency ON events(tenant, workspace, idempotency_key);
CREATE INDEX IF NOT EXISTS idx_events_scope_agent ON events(tenant, workspace, agent);

CREATE TABLE IF NOT EXISTS entity_versions (
	tenant TEXT NOT NULL,
	workspace TEXT NOT NULL,
	agent TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	PRIMARY KEY (tenant, workspace, agent, entity_id)
);
`

// roleInput and roleOutput distinguish the commanding envelope from
// the envelopes it produced within the same idempotency key, so
// LookupOutputs and Replay can each select what they need from one
// table without a join.
const (
	roleInput  = "input"
	roleOutput = "output"
)

// SQLite is the reference EventStore implementation (§4.2 "storage
// neutrality"), backed by modernc.org/sqlite — a pure-Go driver, so the
// runtime binary stays CGO-free like the teacher's embedded-store
// deployments.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a SQLite-backed event store at dsn.
// Use "file::memory:?cache=shared" for tests that need a live
// connection rather than the InMemory store.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Append(ctx context.Context, tenant, workspace, key string, input *envelope.Envelope, outputs []*envelope.Envelope, bumps []EntityBump) error {
	requireScope(tenant, workspace)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertEnvelope(ctx, tx, tenant, workspace, key, roleInput, input); err != nil {
		return err
	}
	for _, o := range outputs {
		if err := insertEnvelope(ctx, tx, tenant, workspace, key, roleOutput, o); err != nil {
			return err
		}
	}

	for _, b := range bumps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_versions (tenant, workspace, agent, entity_id, version)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (tenant, workspace, agent, entity_id)
			DO UPDATE SET version = excluded.version
		`, tenant, workspace, b.Agent, b.EntityID, b.Version); err != nil {
			return fmt.Errorf("store: bump entity version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func insertEnvelope(ctx context.Context, tx *sql.Tx, tenant, workspace, key, role string, e *envelope.Envelope) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: marshal envelope: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (message_id, tenant, workspace, agent, idempotency_key, role, envelope_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.MessageID, tenant, workspace, e.Source.Agent, key, role, string(raw), e.TS)
	if err != nil {
		return fmt.Errorf("store: insert envelope: %w", err)
	}
	return nil
}

func (s *SQLite) LookupOutputs(ctx context.Context, tenant, workspace, key string) ([]*envelope.Envelope, error) {
	requireScope(tenant, workspace)

	rows, err := s.db.QueryContext(ctx, `
		SELECT envelope_json FROM events
		WHERE tenant = ? AND workspace = ? AND idempotency_key = ? AND role = ?
		ORDER BY rowid_seq ASC
	`, tenant, workspace, key, roleOutput)
	if err != nil {
		return nil, fmt.Errorf("store: lookup outputs: %w", err)
	}
	defer rows.Close()

	out, err := scanEnvelopes(rows)
	if err != nil {
		return nil, err
	}

	// Distinguish "never seen this key" from "seen, zero outputs" by
	// also checking for the input row.
	if len(out) == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM events
			WHERE tenant = ? AND workspace = ? AND idempotency_key = ? AND role = ?
		`, tenant, workspace, key, roleInput).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("store: lookup input: %w", err)
		}
		if exists == 0 {
			return nil, ErrNotFound
		}
	}
	return out, nil
}

func (s *SQLite) CurrentEntityVersion(ctx context.Context, tenant, workspace, agent, entityID string) (int64, error) {
	requireScope(tenant, workspace)

	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM entity_versions
		WHERE tenant = ? AND workspace = ? AND agent = ? AND entity_id = ?
	`, tenant, workspace, agent, entityID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: current entity version: %w", err)
	}
	return version, nil
}

func (s *SQLite) Replay(ctx context.Context, tenant, workspace, agent string) ([]*envelope.Envelope, error) {
	requireScope(tenant, workspace)

	rows, err := s.db.QueryContext(ctx, `
		SELECT envelope_json FROM events
		WHERE tenant = ? AND workspace = ? AND agent = ?
		ORDER BY rowid_seq ASC
	`, tenant, workspace, agent)
	if err != nil {
		return nil, fmt.Errorf("store: replay: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

func scanEnvelopes(rows *sql.Rows) ([]*envelope.Envelope, error) {
	var out []*envelope.Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		var e envelope.Envelope
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("store: decode envelope: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }
