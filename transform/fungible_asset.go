package transform

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

// FungibleAssetTransformer emits fungible asset activities, metadata, current
// balances and coin type mappings. Transactions are parsed in parallel.
type FungibleAssetTransformer struct {
	tctx        *Context
	parallelism int
	logger      *logging.ComponentLogger
}

// faObject aggregates the resources written to one object address within a
// transaction.
type faObject struct {
	core              *objectCore
	store             *fungibleStore
	concurrentBalance *concurrentBalance
	metadata          *faMetadata
	supply            *faSupply
	concurrentSupply  *faConcurrentSupply
}

// Transform implements Transformer. Coin type mappings found in the batch are
// merged into the shared context once the batch is parsed.
func (t *FungibleAssetTransformer) Transform(ctx context.Context, batch model.TransactionBatch) (model.RowSet, error) {
	mappings, err := t.collectMappings(batch)
	if err != nil {
		return nil, err
	}
	coinTypes := t.tctx.Snapshot()
	for fa, m := range mappings {
		coinTypes[fa] = m.CoinType
	}

	results := make([][]model.Row, len(batch.Transactions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.parallelism)
	for i, txn := range batch.Transactions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rows, err := parseFungibleAssetTxn(txn, coinTypes)
			if err != nil {
				return err
			}
			results[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := model.RowSet{}
	for _, rows := range results {
		out.Add(rows...)
	}
	discovered := make(map[string]string, len(mappings))
	for fa, m := range mappings {
		out.Add(m)
		discovered[fa] = m.CoinType
	}
	t.tctx.Merge(discovered)

	if len(discovered) > 0 {
		t.logger.Debug().
			Int("new_mappings", len(discovered)).
			Int("known_mappings", t.tctx.Len()).
			Msg("Merged coin type mappings")
	}
	return out, nil
}

// collectMappings finds PairedCoinType resources in the batch. The latest
// write for an address wins.
func (t *FungibleAssetTransformer) collectMappings(batch model.TransactionBatch) (map[string]model.FungibleAssetToCoinMapping, error) {
	out := make(map[string]model.FungibleAssetToCoinMapping)
	for _, txn := range batch.Transactions {
		for _, change := range txn.Changes {
			wr, ok := change.(model.WriteResource)
			if !ok || wr.TypeStr != typePairedCoinType {
				continue
			}
			paired, err := decodeResource[pairedCoinType](wr.TypeStr, wr.Data, txn.Version)
			if err != nil {
				return nil, err
			}
			coinType, err := paired.Type.CoinType()
			if err != nil {
				return nil, fmt.Errorf("version %d: %w", txn.Version, err)
			}
			address := StandardizeAddress(wr.Address)
			out[address] = model.FungibleAssetToCoinMapping{
				FAMetadataAddress:      address,
				CoinType:               coinType,
				LastTransactionVersion: int64(txn.Version),
			}
		}
	}
	return out, nil
}

func parseFungibleAssetTxn(txn model.Transaction, coinTypes map[string]string) ([]model.Row, error) {
	objects, err := aggregateObjects(txn)
	if err != nil {
		return nil, err
	}

	var rows []model.Row
	version := int64(txn.Version)
	ts := txn.Timestamp

	if txn.Type == model.TransactionTypeUser {
		gas, err := gasActivity(txn)
		if err != nil {
			return nil, err
		}
		rows = append(rows, gas)
	}

	for index, event := range txn.Events {
		activity, err := eventActivity(txn, int64(index), event, objects)
		if err != nil {
			return nil, err
		}
		if activity != nil {
			rows = append(rows, *activity)
		}
	}

	for _, change := range txn.Changes {
		switch c := change.(type) {
		case model.WriteResource:
			address := StandardizeAddress(c.Address)
			obj, ok := objects[address]
			if !ok || obj.core == nil {
				continue
			}
			switch c.TypeStr {
			case typeFAMetadata:
				rows = append(rows, metadataRow(address, obj, version, ts))
			case typeFungibleStore:
				balance, err := balanceRow(address, obj, coinTypes, version, ts)
				if err != nil {
					return nil, fmt.Errorf("version %d: %w", txn.Version, err)
				}
				rows = append(rows, balance)
			}
		case model.DeleteResource, model.WriteTableItem, model.DeleteTableItem, model.WriteModule, model.DeleteModule:
		default:
			return nil, unhandledChange(txn.Version, change)
		}
	}
	return rows, nil
}

// aggregateObjects indexes the fungible asset resources of a transaction by
// object address. Only addresses with an ObjectCore are kept.
func aggregateObjects(txn model.Transaction) (map[string]*faObject, error) {
	objects := make(map[string]*faObject)
	for _, change := range txn.Changes {
		wr, ok := change.(model.WriteResource)
		if !ok || wr.TypeStr != typeObjectCore {
			continue
		}
		core, err := decodeResource[objectCore](wr.TypeStr, wr.Data, txn.Version)
		if err != nil {
			return nil, err
		}
		objects[StandardizeAddress(wr.Address)] = &faObject{core: &core}
	}

	for _, change := range txn.Changes {
		wr, ok := change.(model.WriteResource)
		if !ok {
			continue
		}
		obj, ok := objects[StandardizeAddress(wr.Address)]
		if !ok {
			continue
		}
		var err error
		switch wr.TypeStr {
		case typeFungibleStore:
			var v fungibleStore
			v, err = decodeResource[fungibleStore](wr.TypeStr, wr.Data, txn.Version)
			obj.store = &v
		case typeConcurrentBalance:
			var v concurrentBalance
			v, err = decodeResource[concurrentBalance](wr.TypeStr, wr.Data, txn.Version)
			obj.concurrentBalance = &v
		case typeFAMetadata:
			var v faMetadata
			v, err = decodeResource[faMetadata](wr.TypeStr, wr.Data, txn.Version)
			obj.metadata = &v
		case typeFASupply:
			var v faSupply
			v, err = decodeResource[faSupply](wr.TypeStr, wr.Data, txn.Version)
			obj.supply = &v
		case typeFAConcurrentSupply:
			var v faConcurrentSupply
			v, err = decodeResource[faConcurrentSupply](wr.TypeStr, wr.Data, txn.Version)
			obj.concurrentSupply = &v
		}
		if err != nil {
			return nil, err
		}
	}
	return objects, nil
}

func metadataRow(address string, obj *faObject, version int64, ts time.Time) model.FungibleAssetMetadata {
	row := model.FungibleAssetMetadata{
		AssetType:                address,
		CreatorAddress:           StandardizeAddress(obj.core.Owner),
		Name:                     obj.metadata.Name,
		Symbol:                   obj.metadata.Symbol,
		Decimals:                 obj.metadata.Decimals,
		IconURI:                  obj.metadata.IconURI,
		ProjectURI:               obj.metadata.ProjectURI,
		LastTransactionVersion:   version,
		LastTransactionTimestamp: ts,
	}
	switch {
	case obj.concurrentSupply != nil:
		row.SupplyV2 = obj.concurrentSupply.Current.Value
		row.MaximumV2 = obj.concurrentSupply.Current.MaxValue
	case obj.supply != nil:
		row.SupplyV2 = obj.supply.Current
		if len(obj.supply.Maximum.Vec) > 0 {
			row.MaximumV2 = obj.supply.Maximum.Vec[0]
		}
	}
	return row
}

func balanceRow(address string, obj *faObject, coinTypes map[string]string,
	version int64, ts time.Time,
) (model.CurrentFungibleAssetBalance, error) {
	owner := StandardizeAddress(obj.core.Owner)
	assetType := StandardizeAddress(obj.store.Metadata.Inner)
	primary, err := PrimaryStoreAddress(owner, assetType)
	if err != nil {
		return model.CurrentFungibleAssetBalance{}, err
	}
	amount := obj.store.Balance
	if obj.concurrentBalance != nil {
		amount = obj.concurrentBalance.Balance.Value
	}
	return model.CurrentFungibleAssetBalance{
		StorageID:                address,
		OwnerAddress:             owner,
		AssetTypeV2:              assetType,
		AssetTypeV1:              coinTypes[assetType],
		Amount:                   amount,
		IsFrozen:                 obj.store.Frozen,
		IsPrimary:                primary == address,
		LastTransactionVersion:   version,
		LastTransactionTimestamp: ts,
	}, nil
}

func eventActivity(txn model.Transaction, index int64, event model.Event,
	objects map[string]*faObject,
) (*model.FungibleAssetActivity, error) {
	activity := &model.FungibleAssetActivity{
		TransactionVersion:   int64(txn.Version),
		EventIndex:           index,
		Type:                 event.TypeStr,
		BlockHeight:          int64(txn.BlockHeight),
		TransactionTimestamp: txn.Timestamp,
	}

	switch event.TypeStr {
	case typeDepositEvent, typeWithdrawEvent:
		data, err := decodeResource[storeAmountEvent](event.TypeStr, event.Data, txn.Version)
		if err != nil {
			return nil, err
		}
		activity.StorageID = StandardizeAddress(data.Store)
		activity.Amount = data.Amount
	case typeFrozenEvent:
		data, err := decodeResource[frozenEvent](event.TypeStr, event.Data, txn.Version)
		if err != nil {
			return nil, err
		}
		activity.StorageID = StandardizeAddress(data.Store)
		activity.IsFrozen = data.Frozen
	default:
		return nil, nil
	}

	// The store may be absent when it was deleted or burnt in the same
	// transaction; owner and asset type then stay null.
	if obj, ok := objects[activity.StorageID]; ok {
		activity.OwnerAddress = StandardizeAddress(obj.core.Owner)
		if obj.store != nil {
			activity.AssetType = StandardizeAddress(obj.store.Metadata.Inner)
		}
	}
	return activity, nil
}

// gasActivity reports the fee paid by a user transaction. The fee statement,
// when emitted, supplies the charged gas units.
func gasActivity(txn model.Transaction) (model.FungibleAssetActivity, error) {
	gasUnits := txn.GasUsed
	for _, event := range txn.Events {
		if event.TypeStr != typeFeeStatement {
			continue
		}
		fee, err := decodeResource[feeStatement](event.TypeStr, event.Data, txn.Version)
		if err != nil {
			return model.FungibleAssetActivity{}, err
		}
		units, err := fee.totalGasUnits()
		if err != nil {
			return model.FungibleAssetActivity{}, fmt.Errorf("version %d: invalid fee statement: %w", txn.Version, err)
		}
		gasUnits = units
		break
	}

	owner := StandardizeAddress(txn.Sender)
	storeID, err := PrimaryStoreAddress(owner, aptosMetadataAddress)
	if err != nil {
		return model.FungibleAssetActivity{}, fmt.Errorf("version %d: %w", txn.Version, err)
	}
	amount := new(big.Int).Mul(new(big.Int).SetUint64(gasUnits), new(big.Int).SetUint64(txn.GasUnitPrice))

	return model.FungibleAssetActivity{
		TransactionVersion:   int64(txn.Version),
		EventIndex:           gasFeeEventIndex,
		OwnerAddress:         owner,
		StorageID:            storeID,
		AssetType:            aptosCoinType,
		Amount:               amount.String(),
		Type:                 typeGasFeeEvent,
		IsGasFee:             true,
		BlockHeight:          int64(txn.BlockHeight),
		TransactionTimestamp: txn.Timestamp,
	}, nil
}
