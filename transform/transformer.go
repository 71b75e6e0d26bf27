// Package transform converts decoded transaction batches into typed rows.
package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/config"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

// Transformer produces the rows of every table it owns for one batch.
type Transformer interface {
	Transform(ctx context.Context, batch model.TransactionBatch) (model.RowSet, error)
}

// Options tunes a transformer.
type Options struct {
	// Parallelism bounds how many transactions are parsed at once.
	Parallelism int
	// QueryRetries and QueryRetryDelay bound the prior-owner lookup.
	QueryRetries    int
	QueryRetryDelay time.Duration
}

// OptionsFromConfig reads transform options from the processor config.
func OptionsFromConfig(cfg config.ProcessorConfig) Options {
	return Options{
		Parallelism:     cfg.TransformParallelism,
		QueryRetries:    cfg.QueryRetries,
		QueryRetryDelay: time.Duration(cfg.QueryRetryDelayMs) * time.Millisecond,
	}
}

// New returns the transformer for a processor type. reader may be nil, in
// which case deleted objects get an unknown owner instead of a lookup.
func New(processor string, tctx *Context, reader ObjectReader, opts Options,
	logger *logging.ComponentLogger,
) (Transformer, error) {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.QueryRetries <= 0 {
		opts.QueryRetries = 1
	}

	switch processor {
	case config.ProcessorObjects:
		t := &ObjectsTransformer{logger: logger.With("objects_transform")}
		if reader != nil {
			t.lookup = &ownerLookup{reader: reader, attempts: opts.QueryRetries, delay: opts.QueryRetryDelay}
		}
		return t, nil
	case config.ProcessorFungibleAsset:
		if tctx == nil {
			tctx = NewContext(nil)
		}
		return &FungibleAssetTransformer{
			tctx:        tctx,
			parallelism: opts.Parallelism,
			logger:      logger.With("fungible_asset_transform"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown processor type %q", processor)
	}
}

// unhandledChange reports a write set change the transform has no case for.
func unhandledChange(version uint64, change model.Change) error {
	return fmt.Errorf("version %d: %w: %T", version, model.ErrUnknownChangeType, change)
}
