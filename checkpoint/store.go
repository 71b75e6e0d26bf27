// Package checkpoint persists how far each processor has committed and
// decides where a run starts and stops for the live, backfill and testing
// modes.
package checkpoint

import (
	"context"
	"time"
)

// BackfillState is the lifecycle of a backfill row.
type BackfillState string

const (
	BackfillInProgress BackfillState = "in_progress"
	BackfillComplete   BackfillState = "complete"
)

// ProcessorStatus is the live checkpoint of one processor or sink.
type ProcessorStatus struct {
	Processor                string
	LastSuccessVersion       uint64
	LastTransactionTimestamp *time.Time
	LastUpdated              time.Time
}

// BackfillStatus is the checkpoint of one backfill job for one processor or
// sink.
type BackfillStatus struct {
	Alias                    string
	Status                   BackfillState
	LastSuccessVersion       uint64
	LastTransactionTimestamp *time.Time
	BackfillStartVersion     uint64
	BackfillEndVersion       *uint64
	LastUpdated              time.Time
}

// Store reads and writes checkpoint rows. Getters return nil, nil when the
// row does not exist.
type Store interface {
	GetProcessorStatus(ctx context.Context, processor string) (*ProcessorStatus, error)
	// UpsertProcessorStatus never moves last_success_version backwards.
	UpsertProcessorStatus(ctx context.Context, status ProcessorStatus) error
	GetBackfillStatus(ctx context.Context, alias string) (*BackfillStatus, error)
	// UpsertBackfillStatus only refuses a lower last_success_version when
	// guarded is set.
	UpsertBackfillStatus(ctx context.Context, status BackfillStatus, guarded bool) error
}
