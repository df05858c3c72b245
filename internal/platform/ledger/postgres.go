package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolation  = "23505"
	pendingAmountIndex = "payment_requests_pending_amount_uq"
	openTripleIndex    = "payment_requests_open_triple_uq"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect parses dsn, opens a pool and pings it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const requestColumns = `
  id, owner_id, platform_name, platform_account_id, account_holder_name,
  funding_instrument_ref, destination_card, payout_code, requested_amount,
  settlement_amount::text, disambiguation_amount, currency, kind, status,
  external_transaction_ref, verification_attempts, reserved_funds::text,
  escalation_reason, settlement_dispatched, balance_snapshot::text,
  effects_applied, created_at, updated_at
`

func scanRequest(row pgx.Row) (Request, error) {
	var (
		r          Request
		settlement *string
		reserved   string
		snapshot   *string
		currency   string
		kind       string
		status     string
	)
	err := row.Scan(
		&r.ID, &r.OwnerID, &r.PlatformName, &r.PlatformAccountID, &r.AccountHolderName,
		&r.FundingInstrumentRef, &r.DestinationCard, &r.PayoutCode, &r.RequestedAmount,
		&settlement, &r.DisambiguationAmount, &currency, &kind, &status,
		&r.ExternalTransactionRef, &r.VerificationAttempts, &reserved,
		&r.EscalationReason, &r.SettlementDispatched, &snapshot,
		&r.EffectsApplied, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return Request{}, err
	}
	r.Currency = Currency(currency)
	r.Kind = Kind(kind)
	r.Status = Status(status)
	if r.ReservedFunds, err = decimal.NewFromString(reserved); err != nil {
		return Request{}, fmt.Errorf("parse reserved_funds: %w", err)
	}
	if r.SettlementAmount, err = parseNullableDecimal(settlement); err != nil {
		return Request{}, fmt.Errorf("parse settlement_amount: %w", err)
	}
	if r.BalanceSnapshot, err = parseNullableDecimal(snapshot); err != nil {
		return Request{}, fmt.Errorf("parse balance_snapshot: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func parseNullableDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullableDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func uniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraint
}

func (s *PostgresStore) Create(ctx context.Context, r Request) (Request, error) {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	const q = `
INSERT INTO payment_requests (
  id, owner_id, platform_name, platform_account_id, account_holder_name,
  funding_instrument_ref, destination_card, payout_code, requested_amount,
  settlement_amount, disambiguation_amount, currency, kind, status,
  external_transaction_ref, verification_attempts, reserved_funds,
  escalation_reason, settlement_dispatched, balance_snapshot,
  effects_applied, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::numeric,$11,$12,$13,$14,$15,$16,$17::numeric,$18,$19,$20::numeric,$21,$22,$23)
`
	_, err := s.pool.Exec(ctx, q,
		r.ID, r.OwnerID, r.PlatformName, r.PlatformAccountID, r.AccountHolderName,
		r.FundingInstrumentRef, r.DestinationCard, r.PayoutCode, r.RequestedAmount,
		nullableDecimal(r.SettlementAmount), r.DisambiguationAmount, string(r.Currency), string(r.Kind), string(r.Status),
		r.ExternalTransactionRef, r.VerificationAttempts, r.ReservedFunds.String(),
		r.EscalationReason, r.SettlementDispatched, nullableDecimal(r.BalanceSnapshot),
		r.EffectsApplied, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if uniqueViolation(err, openTripleIndex) {
			return Request{}, ErrOpenRequestExists
		}
		return Request{}, err
	}
	return r, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Request, error) {
	q := `SELECT ` + requestColumns + ` FROM payment_requests WHERE id = $1`
	r, err := scanRequest(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) LatestOpen(ctx context.Context, ownerID, platform, accountID string) (Request, bool, error) {
	q := `SELECT ` + requestColumns + `
FROM payment_requests
WHERE owner_id = $1 AND platform_name = $2 AND platform_account_id = $3
  AND status NOT IN ('APPROVED', 'BONUS_APPROVED', 'CANCELED')
ORDER BY created_at DESC
LIMIT 1`
	r, err := scanRequest(s.pool.QueryRow(ctx, q, ownerID, platform, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, err
	}
	return r, true, nil
}

func (s *PostgresStore) ListOpen(ctx context.Context, olderThan time.Time) ([]Request, error) {
	q := `SELECT ` + requestColumns + `
FROM payment_requests
WHERE status NOT IN ('APPROVED', 'BONUS_APPROVED', 'CANCELED') AND updated_at < $1
ORDER BY updated_at ASC`
	return s.queryRequests(ctx, q, olderThan)
}

func (s *PostgresStore) ListPendingEffects(ctx context.Context) ([]Request, error) {
	q := `SELECT ` + requestColumns + `
FROM payment_requests
WHERE status IN ('APPROVED', 'BONUS_APPROVED') AND effects_applied = FALSE
ORDER BY updated_at ASC`
	return s.queryRequests(ctx, q)
}

func (s *PostgresStore) queryRequests(ctx context.Context, q string, args ...any) ([]Request, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to Status, mutate Mutator, ops ...BalanceOp) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT ` + requestColumns + ` FROM payment_requests WHERE id = $1 FOR UPDATE`
	cur, err := scanRequest(tx.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, err
	}
	if cur.Status != from {
		return Request{}, ErrConcurrencyConflict
	}

	next := cur.clone()
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return Request{}, err
		}
	}
	next.ID = cur.ID
	next.Status = to
	next.UpdatedAt = time.Now().UTC()

	const upd = `
UPDATE payment_requests SET
  account_holder_name = $3,
  funding_instrument_ref = $4,
  destination_card = $5,
  payout_code = $6,
  requested_amount = $7,
  settlement_amount = $8::numeric,
  disambiguation_amount = $9,
  currency = $10,
  status = $11,
  external_transaction_ref = $12,
  verification_attempts = $13,
  reserved_funds = $14::numeric,
  escalation_reason = $15,
  settlement_dispatched = $16,
  balance_snapshot = $17::numeric,
  effects_applied = $18,
  updated_at = $19
WHERE id = $1 AND status = $2
`
	tag, err := tx.Exec(ctx, upd,
		id, string(from),
		next.AccountHolderName, next.FundingInstrumentRef, next.DestinationCard, next.PayoutCode,
		next.RequestedAmount, nullableDecimal(next.SettlementAmount), next.DisambiguationAmount,
		string(next.Currency), string(next.Status), next.ExternalTransactionRef, next.VerificationAttempts,
		next.ReservedFunds.String(), next.EscalationReason, next.SettlementDispatched,
		nullableDecimal(next.BalanceSnapshot), next.EffectsApplied, next.UpdatedAt,
	)
	if err != nil {
		if uniqueViolation(err, pendingAmountIndex) {
			return Request{}, ErrAmountTaken
		}
		return Request{}, err
	}
	if tag.RowsAffected() != 1 {
		return Request{}, ErrConcurrencyConflict
	}

	for _, op := range ops {
		if _, err := applyBalanceOp(ctx, tx, op); err != nil {
			return Request{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Request{}, err
	}
	return next, nil
}

func applyBalanceOp(ctx context.Context, tx pgx.Tx, op BalanceOp) (Balance, error) {
	const ensure = `
INSERT INTO owner_balances (owner_id, tickets, funds) VALUES ($1, 0, 0)
ON CONFLICT (owner_id) DO NOTHING
`
	if _, err := tx.Exec(ctx, ensure, op.OwnerID); err != nil {
		return Balance{}, err
	}
	const q = `
UPDATE owner_balances
SET funds = funds + $2::numeric, tickets = tickets + $3
WHERE owner_id = $1 AND funds + $2::numeric >= 0 AND tickets + $3 >= 0
RETURNING tickets, funds::text
`
	var (
		b     = Balance{OwnerID: op.OwnerID}
		funds string
	)
	err := tx.QueryRow(ctx, q, op.OwnerID, op.Funds.String(), op.Tickets).Scan(&b.Tickets, &funds)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, ErrInsufficientFunds
	}
	if err != nil {
		return Balance{}, err
	}
	if b.Funds, err = decimal.NewFromString(funds); err != nil {
		return Balance{}, err
	}
	return b, nil
}

func (s *PostgresStore) Balance(ctx context.Context, ownerID string) (Balance, error) {
	const q = `SELECT tickets, funds::text FROM owner_balances WHERE owner_id = $1`
	var (
		b     = Balance{OwnerID: ownerID, Funds: decimal.Zero}
		funds string
	)
	err := s.pool.QueryRow(ctx, q, ownerID).Scan(&b.Tickets, &funds)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return Balance{}, err
	}
	if b.Funds, err = decimal.NewFromString(funds); err != nil {
		return Balance{}, err
	}
	return b, nil
}

func (s *PostgresStore) AdjustBalance(ctx context.Context, op BalanceOp) (Balance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Balance{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b, err := applyBalanceOp(ctx, tx, op)
	if err != nil {
		return Balance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Balance{}, err
	}
	return b, nil
}

func (s *PostgresStore) LinkReferral(ctx context.Context, referredID, referrerID string) (bool, error) {
	if referredID == referrerID {
		return false, ErrSelfReferral
	}
	const q = `
INSERT INTO owner_referrals (referred_owner_id, referrer_owner_id)
VALUES ($1, $2)
ON CONFLICT (referred_owner_id) DO NOTHING
`
	tag, err := s.pool.Exec(ctx, q, referredID, referrerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReferrerOf(ctx context.Context, ownerID string) (string, bool, error) {
	const q = `SELECT referrer_owner_id FROM owner_referrals WHERE referred_owner_id = $1`
	var ref string
	err := s.pool.QueryRow(ctx, q, ownerID).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ref, true, nil
}

func (s *PostgresStore) LatestExchangeRate(ctx context.Context) (ExchangeRate, error) {
	const q = `
SELECT primary_to_secondary::text, secondary_to_primary::text, created_at
FROM exchange_rates
ORDER BY created_at DESC, id DESC
LIMIT 1
`
	var (
		x      ExchangeRate
		toSec  string
		toPrim string
	)
	err := s.pool.QueryRow(ctx, q).Scan(&toSec, &toPrim, &x.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ExchangeRate{}, ErrNoExchangeRate
	}
	if err != nil {
		return ExchangeRate{}, err
	}
	if x.PrimaryToSecondary, err = decimal.NewFromString(toSec); err != nil {
		return ExchangeRate{}, err
	}
	if x.SecondaryToPrimary, err = decimal.NewFromString(toPrim); err != nil {
		return ExchangeRate{}, err
	}
	return x, nil
}

func (s *PostgresStore) AddExchangeRate(ctx context.Context, rate ExchangeRate) error {
	if rate.CreatedAt.IsZero() {
		rate.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO exchange_rates (primary_to_secondary, secondary_to_primary, created_at)
VALUES ($1::numeric, $2::numeric, $3)
`
	_, err := s.pool.Exec(ctx, q, rate.PrimaryToSecondary.String(), rate.SecondaryToPrimary.String(), rate.CreatedAt)
	return err
}
