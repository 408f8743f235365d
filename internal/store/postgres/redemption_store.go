package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// RedemptionStore implements domain.RedemptionStore using PostgreSQL.
type RedemptionStore struct {
	pool *pgxpool.Pool
}

// NewRedemptionStore creates a new RedemptionStore backed by the given pool.
func NewRedemptionStore(pool *pgxpool.Pool) *RedemptionStore {
	return &RedemptionStore{pool: pool}
}

const redemptionSelectCols = `id, order_id, market_id, claim_usd, attempts,
	status, last_error, tx_ref, created_at, updated_at, confirmed_at`

// Create inserts a new redemption. A second redemption for the same order
// surfaces as ErrAlreadyExists.
func (s *RedemptionStore) Create(ctx context.Context, r domain.Redemption) error {
	const query = `
		INSERT INTO redemptions (
			id, order_id, market_id, claim_usd, attempts,
			status, last_error, tx_ref, created_at, updated_at, confirmed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, NOW(), $10
		)`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.OrderID, r.MarketID, r.ClaimUSD, r.Attempts,
		string(r.Status), r.LastError, r.TxRef, r.CreatedAt, r.ConfirmedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create redemption %s: %w", r.ID, err)
	}
	return nil
}

// Update rewrites the mutable fields of a redemption.
func (s *RedemptionStore) Update(ctx context.Context, r domain.Redemption) error {
	const query = `
		UPDATE redemptions SET
			attempts = $2, status = $3, last_error = $4, tx_ref = $5,
			confirmed_at = $6, updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		r.ID, r.Attempts, string(r.Status), r.LastError, r.TxRef, r.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update redemption %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanRedemptionFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Redemption, error) {
	var r domain.Redemption
	var status string

	err := scanner.Scan(
		&r.ID, &r.OrderID, &r.MarketID, &r.ClaimUSD, &r.Attempts,
		&status, &r.LastError, &r.TxRef, &r.CreatedAt, &r.UpdatedAt, &r.ConfirmedAt,
	)
	if err != nil {
		return domain.Redemption{}, err
	}
	r.Status = domain.RedemptionStatus(status)
	return r, nil
}

// GetByID retrieves a single redemption by ID.
func (s *RedemptionStore) GetByID(ctx context.Context, id string) (domain.Redemption, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+redemptionSelectCols+` FROM redemptions WHERE id = $1`, id)

	r, err := scanRedemptionFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Redemption{}, domain.ErrNotFound
		}
		return domain.Redemption{}, fmt.Errorf("postgres: get redemption %s: %w", id, err)
	}
	return r, nil
}

// GetByOrder retrieves the redemption attached to an order, if any.
func (s *RedemptionStore) GetByOrder(ctx context.Context, orderID string) (domain.Redemption, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+redemptionSelectCols+` FROM redemptions WHERE order_id = $1`, orderID)

	r, err := scanRedemptionFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Redemption{}, domain.ErrNotFound
		}
		return domain.Redemption{}, fmt.Errorf("postgres: get redemption for order %s: %w", orderID, err)
	}
	return r, nil
}

// ListUnconfirmed returns redemptions that still need work, oldest first.
func (s *RedemptionStore) ListUnconfirmed(ctx context.Context) ([]domain.Redemption, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+redemptionSelectCols+` FROM redemptions
		 WHERE status <> 'confirmed' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unconfirmed redemptions: %w", err)
	}
	defer rows.Close()

	var out []domain.Redemption
	for rows.Next() {
		r, err := scanRedemptionFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan unconfirmed redemptions: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: scan unconfirmed redemptions: %w", err)
	}
	return out, nil
}
