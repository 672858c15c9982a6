package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/helm/core/pkg/envelope"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	rowid_seq BIGSERIAL PRIMARY KEY,
	message_id TEXT NOT NULL,
	tenant TEXT NOT NULL,
	workspace TEXT NOT NULL,
	agent TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	role TEXT NOT NULL,
	envelope_json JSONB NOT NULL,
	ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_idempotency ON events(tenant, workspace, idempotency_key);
CREATE INDEX IF NOT EXISTS idx_events_scope_agent ON events(tenant, workspace, agent);

CREATE TABLE IF NOT EXISTS entity_versions (
	tenant TEXT NOT NULL,
	workspace TEXT NOT NULL,
	agent TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	PRIMARY KEY (tenant, workspace, agent, entity_id)
);
`

// Postgres is the production EventStore substitute named in §4.2's
// "storage neutrality" clause: same append-only, atomic-per-key
// contract, backed by a real server rather than an embedded file.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens (and migrates) a Postgres-backed event store.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (s *Postgres) Append(ctx context.Context, tenant, workspace, key string, input *envelope.Envelope, outputs []*envelope.Envelope, bumps []EntityBump) error {
	requireScope(tenant, workspace)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if err := pqInsertEnvelope(ctx, tx, tenant, workspace, key, roleInput, input); err != nil {
		return err
	}
	for _, o := range outputs {
		if err := pqInsertEnvelope(ctx, tx, tenant, workspace, key, roleOutput, o); err != nil {
			return err
		}
	}

	for _, b := range bumps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_versions (tenant, workspace, agent, entity_id, version)
			VALUES ($1, $2, $3, $4, $5)
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

func pqInsertEnvelope(ctx context.Context, tx *sql.Tx, tenant, workspace, key, role string, e *envelope.Envelope) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: marshal envelope: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (message_id, tenant, workspace, agent, idempotency_key, role, envelope_json, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.MessageID, tenant, workspace, e.Source.Agent, key, role, string(raw), e.TS)
	if err != nil {
		return fmt.Errorf("store: insert envelope: %w", err)
	}
	return nil
}

func (s *Postgres) LookupOutputs(ctx context.Context, tenant, workspace, key string) ([]*envelope.Envelope, error) {
	requireScope(tenant, workspace)

	rows, err := s.db.QueryContext(ctx, `
		SELECT envelope_json FROM events
		WHERE tenant = $1 AND workspace = $2 AND idempotency_key = $3 AND role = $4
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

	if len(out) == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM events
			WHERE tenant = $1 AND workspace = $2 AND idempotency_key = $3 AND role = $4
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

func (s *Postgres) CurrentEntityVersion(ctx context.Context, tenant, workspace, agent, entityID string) (int64, error) {
	requireScope(tenant, workspace)

	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM entity_versions
		WHERE tenant = $1 AND workspace = $2 AND agent = $3 AND entity_id = $4
	`, tenant, workspace, agent, entityID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: current entity version: %w", err)
	}
	return version, nil
}

func (s *Postgres) Replay(ctx context.Context, tenant, workspace, agent string) ([]*envelope.Envelope, error) {
	requireScope(tenant, workspace)

	rows, err := s.db.QueryContext(ctx, `
		SELECT envelope_json FROM events
		WHERE tenant = $1 AND workspace = $2 AND agent = $3
		ORDER BY rowid_seq ASC
	`, tenant, workspace, agent)
	if err != nil {
		return nil, fmt.Errorf("store: replay: %w", err)
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

func (s *Postgres) Close() error { return s.db.Close() }
