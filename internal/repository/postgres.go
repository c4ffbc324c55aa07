package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// Server-side guards applied to every pooled connection.
	statementTimeoutMS = "30000"
	idleInTxTimeoutMS  = "300000"
	retryAttempts      = 3
	retryBaseDelay     = 100 * time.Millisecond
)

// PoolConfig sizes one pgx pool. The market pool stays small (collector
// writes and API reads); the order pool is larger because the projector,
// the sweeper and the order API share it.
type PoolConfig struct {
	MinConns int32
	MaxConns int32
}

// Store wraps one pgx pool. All SQL in the module lives on this type.
type Store struct {
	db *pgxpool.Pool
}

func New(ctx context.Context, dbURL string, pc PoolConfig) (*Store, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}

	config.MinConns = pc.MinConns
	config.MaxConns = pc.MaxConns
	config.ConnConfig.RuntimeParams["statement_timeout"] = statementTimeoutMS
	config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = idleInTxTimeoutMS

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &Store{db: pool}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) Close() {
	s.db.Close()
}

// querier is the common surface of *pgxpool.Pool and pgx.Tx, so every
// write can run standalone or inside a caller-held transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) conn(tx pgx.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// retry re-runs op on transient connection failures. Callers only wrap
// idempotent statements in it.
func (s *Store) retry(ctx context.Context, label string, op func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		delay := retryBaseDelay << attempt
		log.Printf("[repository] %s failed (attempt %d/%d), retrying in %s: %v", label, attempt+1, retryAttempts, delay, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// EnsureSchema creates every table and index the module uses. All
// statements are idempotent so startup can always run it.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS candles (
		id BIGSERIAL PRIMARY KEY,
		symbol VARCHAR(20) NOT NULL,
		timestamp BIGINT NOT NULL,
		open_time TIMESTAMPTZ NOT NULL,
		close_time TIMESTAMPTZ NOT NULL,
		open_price DECIMAL(20,8) NOT NULL,
		high_price DECIMAL(20,8) NOT NULL,
		low_price DECIMAL(20,8) NOT NULL,
		close_price DECIMAL(20,8) NOT NULL,
		volume DECIMAL(20,8) NOT NULL,
		quote_volume DECIMAL(20,8) NOT NULL DEFAULT 0,
		trades INT NOT NULL DEFAULT 0,
		taker_buy_volume DECIMAL(20,8) NOT NULL DEFAULT 0,
		taker_buy_quote_volume DECIMAL(20,8) NOT NULL DEFAULT 0,
		UNIQUE (symbol, timestamp)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_candles_symbol_ts ON candles (symbol, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_candles_symbol_open_time ON candles (symbol, open_time)`,

	`CREATE TABLE IF NOT EXISTS orderbook_data (
		id BIGSERIAL PRIMARY KEY,
		symbol VARCHAR(20) NOT NULL,
		timestamp BIGINT NOT NULL,
		last_update_id BIGINT NOT NULL DEFAULT 0,
		bids JSONB NOT NULL,
		asks JSONB NOT NULL,
		UNIQUE (symbol, timestamp)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orderbook_symbol_ts ON orderbook_data (symbol, timestamp DESC)`,

	`CREATE TABLE IF NOT EXISTS collector_state (
		symbol VARCHAR(20) PRIMARY KEY,
		last_timestamp BIGINT NOT NULL,
		is_realtime BOOLEAN NOT NULL DEFAULT FALSE,
		last_updated TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id BIGINT PRIMARY KEY,
		user_address VARCHAR(42) NOT NULL,
		token_in VARCHAR(42) NOT NULL,
		token_out VARCHAR(42) NOT NULL,
		amount_in DECIMAL(36,18) NOT NULL,
		target_price DECIMAL(36,18) NOT NULL,
		min_amount_out DECIMAL(36,18) NOT NULL,
		order_type VARCHAR(20) NOT NULL,
		is_long BOOLEAN NOT NULL DEFAULT TRUE,
		status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
		self_executable BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ,
		executed_at TIMESTAMPTZ,
		tx_hash VARCHAR(66),
		block_number BIGINT,
		executor_address VARCHAR(42),
		amount_out DECIMAL(36,18),
		execution_tx_hash VARCHAR(66)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_status ON orders (user_address, status)`,
	`CREATE INDEX IF NOT EXISTS idx_status_type ON orders (status, order_type)`,
	`CREATE INDEX IF NOT EXISTS idx_created_at ON orders (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_status_created ON orders (status, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS order_events (
		id BIGSERIAL PRIMARY KEY,
		order_id BIGINT NOT NULL,
		event_type VARCHAR(20) NOT NULL,
		old_status VARCHAR(20),
		new_status VARCHAR(20) NOT NULL,
		tx_hash VARCHAR(66),
		block_number BIGINT,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		event_data JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_events ON order_events (order_id, timestamp)`,

	`CREATE TABLE IF NOT EXISTS system_state (
		id BIGSERIAL PRIMARY KEY,
		component_name VARCHAR(50) NOT NULL UNIQUE,
		last_processed_block BIGINT NOT NULL DEFAULT 0,
		last_processed_tx_hash VARCHAR(66),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		status VARCHAR(20) NOT NULL DEFAULT 'ACTIVE'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_component ON system_state (component_name)`,

	`CREATE TABLE IF NOT EXISTS processed_events (
		id BIGSERIAL PRIMARY KEY,
		tx_hash VARCHAR(66) NOT NULL,
		log_index INT NOT NULL,
		event_type VARCHAR(20) NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (tx_hash, log_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_events (processed_at)`,
}
