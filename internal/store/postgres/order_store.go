package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mirrorlabs/mirrorbot/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, strategy_id, signal_id, market_id, token_id, side,
	signal_price, signal_size, limit_price, requested_size, reserved_usd,
	external_id, status, filled_size, avg_fill_price, outcome, reject_reason,
	created_at, submitted_at, filled_at, resolved_at, redemption_id, updated_at`

// Create inserts a new order. A duplicate (strategy, signal) pair surfaces as
// ErrAlreadyExists; callers treat that as a replayed signal, not a failure.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, strategy_id, signal_id, market_id, token_id, side,
			signal_price, signal_size, limit_price, requested_size, reserved_usd,
			external_id, status, filled_size, avg_fill_price, outcome, reject_reason,
			created_at, submitted_at, filled_at, resolved_at, redemption_id, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.StrategyID, o.SignalID, o.MarketID, o.TokenID, string(o.Side),
		o.SignalPrice, o.SignalSize, o.LimitPrice, o.RequestedSize, o.ReservedUSD,
		o.ExternalID, string(o.Status), o.FilledSize, o.AvgFillPrice,
		string(o.Outcome), o.RejectReason,
		o.CreatedAt, o.SubmittedAt, o.FilledAt, o.ResolvedAt, o.RedemptionID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// Update rewrites the mutable lifecycle fields of an order.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	const query = `
		UPDATE orders SET
			external_id = $2, status = $3, filled_size = $4, avg_fill_price = $5,
			outcome = $6, reject_reason = $7,
			submitted_at = $8, filled_at = $9, resolved_at = $10,
			redemption_id = $11, updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		o.ID, o.ExternalID, string(o.Status), o.FilledSize, o.AvgFillPrice,
		string(o.Outcome), o.RejectReason,
		o.SubmittedAt, o.FilledAt, o.ResolvedAt,
		o.RedemptionID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanOrderFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var side, status, outcome string

	err := scanner.Scan(
		&o.ID, &o.StrategyID, &o.SignalID, &o.MarketID, &o.TokenID, &side,
		&o.SignalPrice, &o.SignalSize, &o.LimitPrice, &o.RequestedSize, &o.ReservedUSD,
		&o.ExternalID, &status, &o.FilledSize, &o.AvgFillPrice, &outcome, &o.RejectReason,
		&o.CreatedAt, &o.SubmittedAt, &o.FilledAt, &o.ResolvedAt, &o.RedemptionID, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	o.Outcome = domain.OrderOutcome(outcome)
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderFromRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetByID retrieves a single order by ID.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)

	o, err := scanOrderFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// GetBySignal retrieves the order mirrored from a specific signal, if any.
func (s *OrderStore) GetBySignal(ctx context.Context, strategyID, signalID string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE strategy_id = $1 AND signal_id = $2`, strategyID, signalID)

	o, err := scanOrderFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order for signal %s/%s: %w", strategyID, signalID, err)
	}
	return o, nil
}

// ListNonTerminal returns orders still being tracked for fills.
func (s *OrderStore) ListNonTerminal(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status IN ('pending', 'partial')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list non-terminal orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan non-terminal orders: %w", err)
	}
	return orders, nil
}

// ListUnresolved returns filled orders whose markets have not resolved yet.
func (s *OrderStore) ListUnresolved(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status = 'filled' AND outcome = 'open'
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unresolved orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan unresolved orders: %w", err)
	}
	return orders, nil
}

// ListByStrategy returns orders for a strategy with pagination and time
// filtering.
func (s *OrderStore) ListByStrategy(ctx context.Context, strategyID string, opts domain.ListOpts) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE strategy_id = $1`
	args := []any{strategyID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by strategy: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders by strategy: %w", err)
	}
	return orders, nil
}

// ListResolvedBefore returns resolved orders older than the cutoff, oldest
// first, for export to cold storage.
func (s *OrderStore) ListResolvedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE resolved_at IS NOT NULL AND resolved_at < $1
		 ORDER BY resolved_at
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolved orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan resolved orders: %w", err)
	}
	return orders, nil
}
