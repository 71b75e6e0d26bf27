package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

// ObjectsTransformer emits object history and current object rows. A batch is
// processed in version order because a delete needs the owner written by an
// earlier transaction.
type ObjectsTransformer struct {
	lookup *ownerLookup
	logger *logging.ComponentLogger
}

type objectState struct {
	core           objectCore
	stateKeyHash   string
	untransferable bool
}

// Transform implements Transformer.
func (t *ObjectsTransformer) Transform(ctx context.Context, batch model.TransactionBatch) (model.RowSet, error) {
	rows := model.RowSet{}
	cores := make(map[string]*objectState)
	current := make(map[string]model.CurrentObject)

	for _, txn := range batch.Transactions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Pass 1: object cores, then untransferable markers on known objects.
		for _, change := range txn.Changes {
			wr, ok := change.(model.WriteResource)
			if !ok || wr.TypeStr != typeObjectCore {
				continue
			}
			core, err := decodeResource[objectCore](wr.TypeStr, wr.Data, txn.Version)
			if err != nil {
				return nil, err
			}
			cores[StandardizeAddress(wr.Address)] = &objectState{core: core, stateKeyHash: wr.StateKeyHash}
		}
		for _, change := range txn.Changes {
			wr, ok := change.(model.WriteResource)
			if !ok || wr.TypeStr != typeUntransferable {
				continue
			}
			if state, ok := cores[StandardizeAddress(wr.Address)]; ok {
				state.untransferable = true
			}
		}

		// Pass 2: rows.
		for index, change := range txn.Changes {
			var (
				obj *model.Object
				err error
			)
			switch c := change.(type) {
			case model.WriteResource:
				obj = t.fromWrite(c, txn.Version, int64(index), txn.Timestamp, cores)
			case model.DeleteResource:
				obj, err = t.fromDelete(ctx, c, txn.Version, int64(index), txn.Timestamp, current)
			case model.WriteTableItem, model.DeleteTableItem, model.WriteModule, model.DeleteModule:
			default:
				err = unhandledChange(txn.Version, change)
			}
			if err != nil {
				return nil, err
			}
			if obj == nil {
				continue
			}
			rows.Add(*obj)
			current[obj.ObjectAddress] = model.CurrentObject{
				ObjectAddress:          obj.ObjectAddress,
				OwnerAddress:           obj.OwnerAddress,
				StateKeyHash:           obj.StateKeyHash,
				AllowUngatedTransfer:   obj.AllowUngatedTransfer,
				LastGuidCreationNum:    obj.GuidCreationNum,
				LastTransactionVersion: obj.TransactionVersion,
				IsDeleted:              obj.IsDeleted,
				Untransferable:         obj.Untransferable,
			}
		}
	}

	for _, obj := range current {
		rows.Add(obj)
	}
	return rows, nil
}

func (t *ObjectsTransformer) fromWrite(wr model.WriteResource, version uint64, index int64,
	ts time.Time, cores map[string]*objectState,
) *model.Object {
	if wr.TypeStr != typeObjectCore {
		return nil
	}
	address := StandardizeAddress(wr.Address)
	state, ok := cores[address]
	if !ok {
		return nil
	}
	return &model.Object{
		TransactionVersion:   int64(version),
		WriteSetChangeIndex:  index,
		ObjectAddress:        address,
		OwnerAddress:         StandardizeAddress(state.core.Owner),
		StateKeyHash:         state.stateKeyHash,
		GuidCreationNum:      state.core.GuidCreationNum,
		AllowUngatedTransfer: state.core.AllowUngatedTransfer,
		IsDeleted:            false,
		Untransferable:       state.untransferable || !state.core.AllowUngatedTransfer,
		BlockTimestamp:       ts,
	}
}

func (t *ObjectsTransformer) fromDelete(ctx context.Context, dr model.DeleteResource, version uint64,
	index int64, ts time.Time, current map[string]model.CurrentObject,
) (*model.Object, error) {
	if dr.TypeStr != typeObjectGroup {
		return nil, nil
	}
	address := StandardizeAddress(dr.Address)
	obj := &model.Object{
		TransactionVersion:  int64(version),
		WriteSetChangeIndex: index,
		ObjectAddress:       address,
		StateKeyHash:        dr.StateKeyHash,
		IsDeleted:           true,
		BlockTimestamp:      ts,
	}

	prev, ok := current[address]
	if !ok {
		if t.lookup == nil {
			obj.OwnerAddress = deletedOwnerUnknown
			obj.GuidCreationNum = "0"
			return obj, nil
		}
		stored, err := t.lookup.currentObject(ctx, address)
		if err != nil {
			t.logger.Error().
				Err(err).
				Uint64("transaction_version", version).
				Str("object_address", address).
				Msg("Missing current object for deleted resource")
			return nil, fmt.Errorf("version %d: %w", version, err)
		}
		prev = *stored
	}

	obj.OwnerAddress = prev.OwnerAddress
	obj.GuidCreationNum = prev.LastGuidCreationNum
	obj.AllowUngatedTransfer = prev.AllowUngatedTransfer
	obj.Untransferable = prev.Untransferable
	return obj, nil
}
