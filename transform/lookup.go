package transform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

// ErrLookupExhausted is returned when an object's prior state could not be
// read within the configured number of attempts.
var ErrLookupExhausted = errors.New("object lookup retries exhausted")

var errObjectNotFound = errors.New("current object not found")

// ObjectReader reads the stored current state of an object. It returns
// nil, nil when the object is unknown.
type ObjectReader interface {
	CurrentObject(ctx context.Context, address string) (*model.CurrentObject, error)
}

// ownerLookup resolves the last known state of a deleted object. A missing
// row is retried like an error since the writer of that row may still be
// committing.
type ownerLookup struct {
	reader   ObjectReader
	attempts int
	delay    time.Duration
}

func newBackoff(attempts int, delay time.Duration) backoff.BackOff {
	retries := 0
	if attempts > 1 {
		retries = attempts - 1
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(retries))
}

func (l ownerLookup) currentObject(ctx context.Context, address string) (*model.CurrentObject, error) {
	var found *model.CurrentObject
	op := func() error {
		obj, err := l.reader.CurrentObject(ctx, address)
		if err != nil {
			return err
		}
		if obj == nil {
			return errObjectNotFound
		}
		found = obj
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(newBackoff(l.attempts, l.delay), ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrLookupExhausted, address, l.attempts, err)
	}
	return found, nil
}
