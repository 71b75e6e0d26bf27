package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const upsertProcessorStatusSQL = `
INSERT INTO processor_status (processor, last_success_version, last_transaction_timestamp, last_updated)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (processor) DO UPDATE SET
    last_success_version = EXCLUDED.last_success_version,
    last_transaction_timestamp = EXCLUDED.last_transaction_timestamp,
    last_updated = EXCLUDED.last_updated
WHERE processor_status.last_success_version <= EXCLUDED.last_success_version`

const upsertBackfillStatusSQL = `
INSERT INTO backfill_processor_status (
    backfill_alias, backfill_status, last_success_version, last_transaction_timestamp,
    backfill_start_version, backfill_end_version, last_updated
)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (backfill_alias) DO UPDATE SET
    backfill_status = EXCLUDED.backfill_status,
    last_success_version = EXCLUDED.last_success_version,
    last_transaction_timestamp = EXCLUDED.last_transaction_timestamp,
    backfill_start_version = EXCLUDED.backfill_start_version,
    backfill_end_version = EXCLUDED.backfill_end_version,
    last_updated = EXCLUDED.last_updated`

const backfillGuard = `
WHERE backfill_processor_status.last_success_version <= EXCLUDED.last_success_version`

// PostgresStore keeps checkpoints in the processor_status and
// backfill_processor_status tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetProcessorStatus(ctx context.Context, processor string) (*ProcessorStatus, error) {
	status := ProcessorStatus{Processor: processor}
	var version int64
	err := s.pool.QueryRow(ctx, `
		SELECT last_success_version, last_transaction_timestamp, last_updated
		FROM processor_status
		WHERE processor = $1`, processor).Scan(&version, &status.LastTransactionTimestamp, &status.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query processor_status for %s: %w", processor, err)
	}
	status.LastSuccessVersion = uint64(version)
	return &status, nil
}

func (s *PostgresStore) UpsertProcessorStatus(ctx context.Context, status ProcessorStatus) error {
	_, err := s.pool.Exec(ctx, upsertProcessorStatusSQL,
		status.Processor, int64(status.LastSuccessVersion), status.LastTransactionTimestamp)
	if err != nil {
		return fmt.Errorf("failed to save processor_status for %s: %w", status.Processor, err)
	}
	return nil
}

func (s *PostgresStore) GetBackfillStatus(ctx context.Context, alias string) (*BackfillStatus, error) {
	status := BackfillStatus{Alias: alias}
	var (
		state          string
		version, start int64
		end            *int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT backfill_status, last_success_version, last_transaction_timestamp,
		       backfill_start_version, backfill_end_version, last_updated
		FROM backfill_processor_status
		WHERE backfill_alias = $1`, alias).Scan(
		&state, &version, &status.LastTransactionTimestamp, &start, &end, &status.LastUpdated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query backfill_processor_status for %s: %w", alias, err)
	}
	status.Status = BackfillState(state)
	status.LastSuccessVersion = uint64(version)
	status.BackfillStartVersion = uint64(start)
	if end != nil {
		e := uint64(*end)
		status.BackfillEndVersion = &e
	}
	return &status, nil
}

func (s *PostgresStore) UpsertBackfillStatus(ctx context.Context, status BackfillStatus, guarded bool) error {
	query := upsertBackfillStatusSQL
	if guarded {
		query += backfillGuard
	}
	var end *int64
	if status.BackfillEndVersion != nil {
		e := int64(*status.BackfillEndVersion)
		end = &e
	}
	_, err := s.pool.Exec(ctx, query,
		status.Alias, string(status.Status), int64(status.LastSuccessVersion),
		status.LastTransactionTimestamp, int64(status.BackfillStartVersion), end)
	if err != nil {
		return fmt.Errorf("failed to save backfill_processor_status for %s: %w", status.Alias, err)
	}
	return nil
}
