package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

//go:embed schema.sql
var schemaSQL string

// Connect opens a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	return pool, nil
}

// Migrate creates the output and checkpoint tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// PoolExecutor adapts a pgx pool to Executor.
type PoolExecutor struct {
	pool *pgxpool.Pool
}

func NewPoolExecutor(pool *pgxpool.Pool) *PoolExecutor {
	return &PoolExecutor{pool: pool}
}

func (e *PoolExecutor) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := e.pool.Exec(ctx, sql, args...)
	return err
}

// LoadCoinMappings reads every fungible asset to coin mapping.
func LoadCoinMappings(ctx context.Context, pool *pgxpool.Pool) (map[string]string, error) {
	rows, err := pool.Query(ctx,
		`SELECT fa_metadata_address, coin_type FROM fungible_asset_to_coin_mappings`)
	if err != nil {
		return nil, fmt.Errorf("failed to query coin mappings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var faAddress, coinType string
		if err := rows.Scan(&faAddress, &coinType); err != nil {
			return nil, fmt.Errorf("failed to scan coin mapping: %w", err)
		}
		out[faAddress] = coinType
	}
	return out, rows.Err()
}

// ObjectStore reads current object state from Postgres.
type ObjectStore struct {
	pool *pgxpool.Pool
}

func NewObjectStore(pool *pgxpool.Pool) *ObjectStore {
	return &ObjectStore{pool: pool}
}

// CurrentObject returns the stored row for address, or nil if none exists.
func (s *ObjectStore) CurrentObject(ctx context.Context, address string) (*model.CurrentObject, error) {
	var obj model.CurrentObject
	err := s.pool.QueryRow(ctx, `
		SELECT object_address, owner_address, state_key_hash, allow_ungated_transfer,
		       last_guid_creation_num::text, last_transaction_version, is_deleted, untransferable
		FROM current_objects
		WHERE object_address = $1`, address).Scan(
		&obj.ObjectAddress, &obj.OwnerAddress, &obj.StateKeyHash, &obj.AllowUngatedTransfer,
		&obj.LastGuidCreationNum, &obj.LastTransactionVersion, &obj.IsDeleted, &obj.Untransferable,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query current object %s: %w", address, err)
	}
	return &obj, nil
}
