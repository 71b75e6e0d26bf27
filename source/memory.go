package source

import (
	"context"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

// MemorySource streams a fixed slice of transactions.
type MemorySource struct {
	txns      []model.Transaction
	batchSize int
}

func NewMemorySource(txns []model.Transaction, batchSize int) *MemorySource {
	return &MemorySource{txns: txns, batchSize: batchSize}
}

// Stream implements Source.
func (s *MemorySource) Stream(ctx context.Context, req Request) (<-chan model.TransactionBatch, <-chan error) {
	out := make(chan model.TransactionBatch)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(out)

		b := newBatcher(req, s.batchSize, out)
		for _, txn := range s.txns {
			done, err := b.add(ctx, txn)
			if err != nil {
				errCh <- err
				return
			}
			if done {
				break
			}
		}
		if err := b.flush(ctx); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}
