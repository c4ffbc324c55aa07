package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"linkora-backend/internal/models"
)

// InsertOrder writes a freshly created order. Replays are silently
// dropped: the primary key is the on-chain order id.
func (s *Store) InsertOrder(ctx context.Context, tx pgx.Tx, o *models.Order) error {
	_, err := s.conn(tx).Exec(ctx, `
		INSERT INTO orders (id, user_address, token_in, token_out, amount_in, target_price,
			min_amount_out, order_type, is_long, status, self_executable,
			created_at, tx_hash, block_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		o.ID, o.UserAddress, o.TokenIn, o.TokenOut, o.AmountIn, o.TargetPrice,
		o.MinAmountOut, o.OrderType, o.IsLong, o.Status, o.SelfExecutable,
		o.CreatedAt, o.TxHash, o.BlockNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order %d: %w", o.ID, err)
	}
	return nil
}

// OrderUpdate is a partial patch. Nil fields are left untouched.
type OrderUpdate struct {
	Status          *string
	ExecutedAt      *time.Time
	ExecutorAddress *string
	AmountOut       *decimal.Decimal
	ExecutionTxHash *string
	TargetPrice     *decimal.Decimal
	MinAmountOut    *decimal.Decimal
	UpdatedAt       *time.Time
}

// buildOrderUpdate renders the SET clause with 1-based placeholders.
// Column order is fixed so the statement text is stable for tests and
// the prepared-statement cache.
func buildOrderUpdate(u OrderUpdate) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(column string, value any) {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)+1))
		args = append(args, value)
	}

	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.ExecutedAt != nil {
		add("executed_at", *u.ExecutedAt)
	}
	if u.ExecutorAddress != nil {
		add("executor_address", *u.ExecutorAddress)
	}
	if u.AmountOut != nil {
		add("amount_out", *u.AmountOut)
	}
	if u.ExecutionTxHash != nil {
		add("execution_tx_hash", *u.ExecutionTxHash)
	}
	if u.TargetPrice != nil {
		add("target_price", *u.TargetPrice)
	}
	if u.MinAmountOut != nil {
		add("min_amount_out", *u.MinAmountOut)
	}
	if u.UpdatedAt != nil {
		add("updated_at", *u.UpdatedAt)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return strings.Join(clauses, ", "), args
}

// UpdateOrder applies a patch to one order. Updating a row that does
// not exist yet is a no-op: an EXECUTED log observed before its CREATED
// log must not fail the batch.
func (s *Store) UpdateOrder(ctx context.Context, tx pgx.Tx, orderID uint64, u OrderUpdate) error {
	set, args := buildOrderUpdate(u)
	if set == "" {
		return nil
	}
	args = append(args, orderID)

	query := fmt.Sprintf("UPDATE orders SET %s WHERE id = $%d", set, len(args))
	_, err := s.conn(tx).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", orderID, err)
	}
	return nil
}

// InsertOrderEvent appends one ledger row.
func (s *Store) InsertOrderEvent(ctx context.Context, tx pgx.Tx, ev *models.OrderEvent) error {
	var oldStatus any
	if ev.OldStatus != "" {
		oldStatus = ev.OldStatus
	}
	_, err := s.conn(tx).Exec(ctx, `
		INSERT INTO order_events (order_id, event_type, old_status, new_status, tx_hash, block_number, event_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.OrderID, ev.EventType, oldStatus, ev.NewStatus, ev.TxHash, ev.BlockNumber, []byte(ev.EventData),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order event for %d: %w", ev.OrderID, err)
	}
	return nil
}

const orderColumns = `id, user_address, token_in, token_out,
	amount_in::text, target_price::text, min_amount_out::text,
	order_type, is_long, status, self_executable,
	created_at, updated_at, executed_at,
	tx_hash, block_number, executor_address, amount_out::text, execution_tx_hash`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o                      models.Order
		amountIn, target, min  string
		updatedAt, executedAt  pgtype.Timestamptz
		txHash, executor, exTx sql.NullString
		blockNumber            sql.NullInt64
		amountOut              sql.NullString
	)
	err := row.Scan(
		&o.ID, &o.UserAddress, &o.TokenIn, &o.TokenOut,
		&amountIn, &target, &min,
		&o.OrderType, &o.IsLong, &o.Status, &o.SelfExecutable,
		&o.CreatedAt, &updatedAt, &executedAt,
		&txHash, &blockNumber, &executor, &amountOut, &exTx,
	)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{amountIn, &o.AmountIn}, {target, &o.TargetPrice}, {min, &o.MinAmountOut},
	} {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse order decimal %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	if amountOut.Valid {
		d, err := decimal.NewFromString(amountOut.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse amount_out %q: %w", amountOut.String, err)
		}
		o.AmountOut = decimal.NullDecimal{Decimal: d, Valid: true}
	}

	if updatedAt.Valid {
		o.UpdatedAt = updatedAt.Time
	}
	if executedAt.Valid {
		t := executedAt.Time
		o.ExecutedAt = &t
	}
	o.TxHash = txHash.String
	o.BlockNumber = blockNumber.Int64
	o.ExecutorAddress = executor.String
	o.ExecutionTxHash = exTx.String
	return &o, nil
}

// OrderByID returns one order, or nil when it does not exist.
func (s *Store) OrderByID(ctx context.Context, orderID uint64) (*models.Order, error) {
	query := fmt.Sprintf("SELECT %s FROM orders WHERE id = $1", orderColumns)
	o, err := scanOrder(s.db.QueryRow(ctx, query, orderID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// OrderExists reports whether an order row is present.
func (s *Store) OrderExists(ctx context.Context, orderID uint64) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx, "SELECT 1 FROM orders WHERE id = $1", orderID).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// OrderFilter narrows list queries. Empty fields match everything.
type OrderFilter struct {
	Status      string
	UserAddress string
	Limit       int
	Offset      int
}

// Orders returns one page of orders (newest first) plus the unpaged
// total for the same filter.
func (s *Store) Orders(ctx context.Context, f OrderFilter) ([]models.Order, int64, error) {
	var (
		where []string
		args  []any
	)
	if f.UserAddress != "" {
		args = append(args, f.UserAddress)
		where = append(where, fmt.Sprintf("user_address = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM orders"+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM orders%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		orderColumns, cond, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, *o)
	}
	return orders, total, rows.Err()
}

// OrderEvents returns the ledger for one order, oldest first.
func (s *Store) OrderEvents(ctx context.Context, orderID uint64) ([]models.OrderEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, event_type, old_status, new_status, tx_hash, block_number, timestamp, event_data
		FROM order_events
		WHERE order_id = $1
		ORDER BY timestamp ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order events: %w", err)
	}
	defer rows.Close()

	var events []models.OrderEvent
	for rows.Next() {
		var (
			ev                models.OrderEvent
			oldStatus, txHash sql.NullString
			blockNumber       sql.NullInt64
			data              []byte
		)
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.EventType, &oldStatus, &ev.NewStatus,
			&txHash, &blockNumber, &ev.Timestamp, &data); err != nil {
			return nil, err
		}
		ev.OldStatus = oldStatus.String
		ev.TxHash = txHash.String
		ev.BlockNumber = blockNumber.Int64
		ev.EventData = data
		events = append(events, ev)
	}
	return events, rows.Err()
}

// OrderStatistics returns per-status totals with a rolling 24h window.
func (s *Store) OrderStatistics(ctx context.Context) (map[string]models.StatusCount, error) {
	rows, err := s.db.Query(ctx, `
		SELECT status,
			COUNT(*) AS total,
			SUM(CASE WHEN created_at >= NOW() - INTERVAL '24 hours' THEN 1 ELSE 0 END) AS last_24h
		FROM orders
		GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query order statistics: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]models.StatusCount)
	for rows.Next() {
		var (
			status string
			sc     models.StatusCount
		)
		if err := rows.Scan(&status, &sc.Total, &sc.Last24); err != nil {
			return nil, err
		}
		stats[status] = sc
	}
	return stats, rows.Err()
}

// ExpireStaleOrders terminalizes PENDING orders created before the
// cutoff and reports how many rows changed.
func (s *Store) ExpireStaleOrders(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE orders
		SET status = $1, updated_at = CURRENT_TIMESTAMP
		WHERE status = $2 AND created_at < $3`,
		models.OrderStatusExpired, models.OrderStatusPending, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire orders: %w", err)
	}
	return tag.RowsAffected(), nil
}
