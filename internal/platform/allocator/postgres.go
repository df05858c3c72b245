package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAllocator selects and stamps in one statement; SKIP LOCKED lets
// concurrent allocations fan out across instruments instead of queueing.
type PostgresAllocator struct {
	pool *pgxpool.Pool
}

func NewPostgresAllocator(pool *pgxpool.Pool) *PostgresAllocator {
	return &PostgresAllocator{pool: pool}
}

func scanInstrument(row pgx.Row) (FundingInstrument, error) {
	var (
		fi       FundingInstrument
		system   string
		lastUsed *time.Time
	)
	if err := row.Scan(&fi.Ref, &fi.CardNumber, &fi.CapacityLabel, &system, &fi.Disabled, &lastUsed); err != nil {
		return FundingInstrument{}, err
	}
	fi.PaymentSystem = PaymentSystem(system)
	if lastUsed != nil {
		t := lastUsed.UTC()
		fi.LastUsedAt = &t
	}
	return fi, nil
}

const allocateQuery = `
UPDATE funding_instruments
SET last_used_at = NOW()
WHERE ref = (
  SELECT ref FROM funding_instruments
  WHERE disabled = FALSE
  ORDER BY last_used_at ASC NULLS FIRST, ref ASC
  LIMIT 1
  FOR UPDATE %s
)
RETURNING ref, card_number, capacity_label, payment_system, disabled, last_used_at
`

var (
	allocateSkipLocked = fmt.Sprintf(allocateQuery, "SKIP LOCKED")
	allocateWait       = fmt.Sprintf(allocateQuery, "")
)

// Allocate first tries the unlocked instruments. When every enabled
// instrument is held by a concurrent allocation it waits for one instead of
// reporting none.
func (a *PostgresAllocator) Allocate(ctx context.Context) (FundingInstrument, error) {
	fi, err := scanInstrument(a.pool.QueryRow(ctx, allocateSkipLocked))
	if errors.Is(err, pgx.ErrNoRows) {
		fi, err = scanInstrument(a.pool.QueryRow(ctx, allocateWait))
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return FundingInstrument{}, ErrNoInstrument
	}
	return fi, err
}

func (a *PostgresAllocator) Reserve(ctx context.Context, ref string) (FundingInstrument, error) {
	const q = `
UPDATE funding_instruments
SET last_used_at = NOW()
WHERE ref = $1 AND disabled = FALSE
RETURNING ref, card_number, capacity_label, payment_system, disabled, last_used_at
`
	fi, err := scanInstrument(a.pool.QueryRow(ctx, q, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return FundingInstrument{}, ErrInstrumentUnknown
	}
	return fi, err
}

func (a *PostgresAllocator) Lookup(ctx context.Context, ref string) (FundingInstrument, error) {
	const q = `
SELECT ref, card_number, capacity_label, payment_system, disabled, last_used_at
FROM funding_instruments
WHERE ref = $1
`
	fi, err := scanInstrument(a.pool.QueryRow(ctx, q, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return FundingInstrument{}, ErrInstrumentUnknown
	}
	return fi, err
}

// Upsert registers or updates an instrument. Used by the operator tooling.
func (a *PostgresAllocator) Upsert(ctx context.Context, fi FundingInstrument) error {
	const q = `
INSERT INTO funding_instruments (ref, card_number, capacity_label, payment_system, disabled)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (ref) DO UPDATE SET
  card_number = EXCLUDED.card_number,
  capacity_label = EXCLUDED.capacity_label,
  payment_system = EXCLUDED.payment_system,
  disabled = EXCLUDED.disabled
`
	_, err := a.pool.Exec(ctx, q, fi.Ref, fi.CardNumber, fi.CapacityLabel, string(fi.PaymentSystem), fi.Disabled)
	return err
}
