package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"

	"linkora-backend/internal/models"
)

// ComponentState returns the cursor row for one component, or nil when
// the component has never run.
func (s *Store) ComponentState(ctx context.Context, componentName string) (*models.SystemState, error) {
	var (
		st     models.SystemState
		txHash sql.NullString
	)
	err := s.db.QueryRow(ctx, `
		SELECT component_name, last_processed_block, last_processed_tx_hash, status, updated_at
		FROM system_state
		WHERE component_name = $1`, componentName,
	).Scan(&st.ComponentName, &st.LastProcessedBlock, &txHash, &st.Status, &st.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.LastProcessedTx = txHash.String
	return &st, nil
}

// SaveComponentState upserts a component cursor. Passing the caller's
// transaction lets the projector commit the cursor atomically with the
// events it covers.
func (s *Store) SaveComponentState(ctx context.Context, tx pgx.Tx, componentName string, blockNumber int64, status, txHash string) error {
	var hash any
	if txHash != "" {
		hash = txHash
	}
	_, err := s.conn(tx).Exec(ctx, `
		INSERT INTO system_state (component_name, last_processed_block, last_processed_tx_hash, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (component_name) DO UPDATE SET
			last_processed_block = EXCLUDED.last_processed_block,
			last_processed_tx_hash = EXCLUDED.last_processed_tx_hash,
			status = EXCLUDED.status,
			updated_at = CURRENT_TIMESTAMP`,
		componentName, blockNumber, hash, status,
	)
	if err != nil {
		return fmt.Errorf("failed to save component state %s: %w", componentName, err)
	}
	return nil
}

// EventProcessed reports whether (txHash, logIndex) is already in the
// dedup ledger.
func (s *Store) EventProcessed(ctx context.Context, tx pgx.Tx, txHash string, logIndex uint) (bool, error) {
	var one int
	err := s.conn(tx).QueryRow(ctx,
		"SELECT 1 FROM processed_events WHERE tx_hash = $1 AND log_index = $2",
		txHash, logIndex,
	).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkEventProcessed records (txHash, logIndex) in the dedup ledger.
// The unique constraint makes concurrent duplicates harmless.
func (s *Store) MarkEventProcessed(ctx context.Context, tx pgx.Tx, txHash string, logIndex uint, eventType string) error {
	_, err := s.conn(tx).Exec(ctx, `
		INSERT INTO processed_events (tx_hash, log_index, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		txHash, logIndex, eventType,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event processed %s:%d: %w", txHash, logIndex, err)
	}
	return nil
}
