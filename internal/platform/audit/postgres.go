package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PostgresStore chains audit events in the audit_logs table. The previous
// hash is read under FOR UPDATE so concurrent appenders serialize on the
// chain head.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func normalizeJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	var tmp any
	if err := json.Unmarshal(raw, &tmp); err != nil {
		return []byte(`{}`)
	}
	return raw
}

func (s *PostgresStore) Append(ctx context.Context, e Event) (Event, error) {
	if s == nil || s.db == nil {
		return Event{}, ErrCorruptChain
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = e.RecordedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	const lockQ = `
SELECT hash_curr
FROM audit_logs
ORDER BY recorded_at DESC, audit_id DESC
LIMIT 1
FOR UPDATE
`
	prev := "GENESIS"
	if err := tx.QueryRowContext(ctx, lockQ).Scan(&prev); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return Event{}, err
		}
	}
	e.HashPrev = prev
	e.HashCurr = ComputeHash(prev, e)

	const insQ = `
INSERT INTO audit_logs (
  audit_id, occurred_at, recorded_at,
  actor_id, actor_type,
  entity_type, entity_id, action,
  changes, before_state, after_state,
  result, reason,
  hash_prev, hash_curr
)
VALUES (
  $1, $2::timestamptz, $3::timestamptz,
  $4, $5,
  $6, $7, $8,
  $9::jsonb, $10::jsonb, $11::jsonb,
  $12, $13,
  $14, $15
)
ON CONFLICT (audit_id) DO NOTHING
`
	_, err = tx.ExecContext(ctx, insQ,
		e.AuditID,
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
		e.RecordedAt.UTC().Format(time.RFC3339Nano),
		e.ActorID,
		e.ActorType,
		e.EntityType,
		e.EntityID,
		e.Action,
		normalizeJSON(e.Changes),
		normalizeJSON(e.Before),
		normalizeJSON(e.After),
		string(e.Result),
		e.Reason,
		e.HashPrev,
		e.HashCurr,
	)
	if err != nil {
		return Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return Event{}, err
	}
	return e, nil
}
