// Package source streams decoded transaction batches into the pipeline.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

// ErrMissingVersions is returned when a stream begins after the requested
// starting version.
var ErrMissingVersions = errors.New("stream begins after requested starting version")

// Request bounds a stream. A nil StartingVersion starts at the first
// available transaction; a nil EndingVersion streams until the input ends.
type Request struct {
	StartingVersion *uint64
	EndingVersion   *uint64
	// StartCommitted marks StartingVersion as already durable, so the
	// stream may also begin one version later.
	StartCommitted bool
}

// CheckStart reports whether a stream whose first version is first covers
// the requested start.
func (r Request) CheckStart(first uint64) error {
	if r.StartingVersion == nil {
		return nil
	}
	start := *r.StartingVersion
	if first <= start || (r.StartCommitted && first == start+1) {
		return nil
	}
	return fmt.Errorf("%w: first version %d, requested %d", ErrMissingVersions, first, start)
}

// Source produces contiguous transaction batches in version order. The batch
// channel is closed when the stream ends; at most one error is sent.
type Source interface {
	Stream(ctx context.Context, req Request) (<-chan model.TransactionBatch, <-chan error)
}

// batcher groups transactions into contiguous batches within the requested
// range.
type batcher struct {
	req       Request
	batchSize int
	pending   []model.Transaction
	last      *uint64
	out       chan<- model.TransactionBatch
}

func newBatcher(req Request, batchSize int, out chan<- model.TransactionBatch) *batcher {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &batcher{req: req, batchSize: batchSize, out: out}
}

// add buffers txn and emits a batch when full. done reports that the ending
// version has been reached.
func (b *batcher) add(ctx context.Context, txn model.Transaction) (done bool, err error) {
	if b.req.StartingVersion != nil && txn.Version < *b.req.StartingVersion {
		return false, nil
	}
	if b.last == nil {
		if err := b.req.CheckStart(txn.Version); err != nil {
			return false, err
		}
	}
	if b.req.EndingVersion != nil && txn.Version > *b.req.EndingVersion {
		return true, nil
	}
	if b.last != nil && txn.Version != *b.last+1 {
		return false, fmt.Errorf("transaction stream gap: version %d follows %d", txn.Version, *b.last)
	}
	v := txn.Version
	b.last = &v

	b.pending = append(b.pending, txn)
	if len(b.pending) >= b.batchSize {
		if err := b.flush(ctx); err != nil {
			return false, err
		}
	}
	return b.req.EndingVersion != nil && txn.Version == *b.req.EndingVersion, nil
}

func (b *batcher) flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	batch, err := model.NewTransactionBatch(b.pending)
	if err != nil {
		return err
	}
	b.pending = nil
	select {
	case b.out <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
