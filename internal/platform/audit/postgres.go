package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink persists the chain in request_audit_events, one chain per partition day.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

func normalizeDetail(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	var tmp any
	if err := json.Unmarshal(raw, &tmp); err != nil {
		return []byte(`{}`)
	}
	return raw
}

func (s *PostgresSink) Append(ctx context.Context, e Event) (Event, error) {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	if e.PartitionDay == "" {
		e.PartitionDay = e.RecordedAt.UTC().Format("2006-01-02")
	}
	e.Detail = normalizeDetail(e.Detail)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Event{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const lockQ = `
SELECT hash_curr
FROM request_audit_events
WHERE partition_day = $1::date
ORDER BY recorded_at DESC, audit_id DESC
LIMIT 1
FOR UPDATE
`
	prev := Genesis
	if err := tx.QueryRow(ctx, lockQ, e.PartitionDay).Scan(&prev); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Event{}, err
		}
	}
	e.HashPrev = prev
	e.HashCurr = ComputeHash(prev, e)

	const insQ = `
INSERT INTO request_audit_events (
  audit_id, recorded_at, actor_id, actor_type, request_id,
  action, from_status, to_status, detail, result, reason,
  partition_day, hash_prev, hash_curr
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10,$11,$12::date,$13,$14)
`
	_, err = tx.Exec(ctx, insQ,
		e.AuditID, e.RecordedAt, e.ActorID, e.ActorType, e.RequestID,
		e.Action, e.FromStatus, e.ToStatus, string(e.Detail), string(e.Result), e.Reason,
		e.PartitionDay, e.HashPrev, e.HashCurr,
	)
	if err != nil {
		return Event{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Event{}, err
	}
	return e, nil
}
