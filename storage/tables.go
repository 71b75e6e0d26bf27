package storage

import (
	"fmt"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

// MaxParamsPerStatement is the Postgres bind parameter limit for one statement.
const MaxParamsPerStatement = 65535

// GuardColumn is the ordering column compared by the no-regression upsert.
const GuardColumn = "last_transaction_version"

// TableSpec describes how rows of one logical table are written.
type TableSpec struct {
	Name       string
	Columns    []string // same order as model.Row.Values()
	PrimaryKey []string
	// AppendOnly tables insert-ignore on conflict; the rest upsert with the
	// last_transaction_version guard.
	AppendOnly bool
}

// Tables is the registry of every table the sink can write.
var Tables = map[string]TableSpec{
	model.TableObjects: {
		Name: model.TableObjects,
		Columns: []string{
			"transaction_version", "write_set_change_index", "object_address", "owner_address",
			"state_key_hash", "guid_creation_num", "allow_ungated_transfer", "is_deleted",
			"untransferable", "block_timestamp",
		},
		PrimaryKey: []string{"transaction_version", "write_set_change_index"},
		AppendOnly: true,
	},
	model.TableCurrentObjects: {
		Name: model.TableCurrentObjects,
		Columns: []string{
			"object_address", "owner_address", "state_key_hash", "allow_ungated_transfer",
			"last_guid_creation_num", "last_transaction_version", "is_deleted", "untransferable",
		},
		PrimaryKey: []string{"object_address"},
	},
	model.TableFungibleAssetActivities: {
		Name: model.TableFungibleAssetActivities,
		Columns: []string{
			"transaction_version", "event_index", "owner_address", "storage_id", "asset_type",
			"is_frozen", "amount", "type", "is_gas_fee", "block_height", "transaction_timestamp",
		},
		PrimaryKey: []string{"transaction_version", "event_index"},
		AppendOnly: true,
	},
	model.TableFungibleAssetMetadata: {
		Name: model.TableFungibleAssetMetadata,
		Columns: []string{
			"asset_type", "creator_address", "name", "symbol", "decimals", "icon_uri",
			"project_uri", "supply_v2", "maximum_v2", "last_transaction_version",
			"last_transaction_timestamp",
		},
		PrimaryKey: []string{"asset_type"},
	},
	model.TableCurrentFungibleAssetBalance: {
		Name: model.TableCurrentFungibleAssetBalance,
		Columns: []string{
			"storage_id", "owner_address", "asset_type_v2", "asset_type_v1", "amount",
			"is_frozen", "is_primary", "last_transaction_version", "last_transaction_timestamp",
		},
		PrimaryKey: []string{"storage_id"},
	},
	model.TableFungibleAssetToCoinMappings: {
		Name:       model.TableFungibleAssetToCoinMappings,
		Columns:    []string{"fa_metadata_address", "coin_type", "last_transaction_version"},
		PrimaryKey: []string{"fa_metadata_address"},
	},
}

// LookupTable returns the TableSpec for a table or an error for unknown names.
func LookupTable(name string) (TableSpec, error) {
	spec, ok := Tables[name]
	if !ok {
		return TableSpec{}, fmt.Errorf("no table spec registered for %q", name)
	}
	return spec, nil
}

// DefaultChunkSize bounds a statement to the bind parameter limit.
func (t TableSpec) DefaultChunkSize() int {
	return MaxParamsPerStatement / len(t.Columns)
}

// ChunkSize returns the configured override for the table, or the default.
func ChunkSize(spec TableSpec, overrides map[string]int) int {
	if size, ok := overrides[spec.Name]; ok && size > 0 {
		return min(size, spec.DefaultChunkSize())
	}
	return spec.DefaultChunkSize()
}
