package model

import (
	"strconv"
	"time"
)

// Logical output tables.
const (
	TableObjects                     = "objects"
	TableCurrentObjects              = "current_objects"
	TableFungibleAssetActivities     = "fungible_asset_activities"
	TableFungibleAssetMetadata       = "fungible_asset_metadata"
	TableCurrentFungibleAssetBalance = "current_fungible_asset_balances"
	TableFungibleAssetToCoinMappings = "fungible_asset_to_coin_mappings"
)

// Row is one output row. Key is the natural key within its table and Version
// the monotonic ordering field used for dedup and the upsert guard.
type Row interface {
	Table() string
	Key() string
	Version() int64
	Values() []any
}

// FlagMerger is implemented by rows whose boolean flags are OR-ed together
// when two rows share a key and a version.
type FlagMerger interface {
	MergeFlags(other Row) Row
}

// RowSet maps a logical table name to the rows produced for one batch.
type RowSet map[string][]Row

// Add appends rows under their own table names.
func (rs RowSet) Add(rows ...Row) {
	for _, r := range rows {
		rs[r.Table()] = append(rs[r.Table()], r)
	}
}

// Len returns the total number of rows across all tables.
func (rs RowSet) Len() int {
	n := 0
	for _, rows := range rs {
		n += len(rows)
	}
	return n
}

func versionKey(version, index int64) string {
	return strconv.FormatInt(version, 10) + ":" + strconv.FormatInt(index, 10)
}

// nullString maps "" to NULL for nullable columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Object is an append-only history row for an object core write or delete.
type Object struct {
	TransactionVersion   int64
	WriteSetChangeIndex  int64
	ObjectAddress        string
	OwnerAddress         string
	StateKeyHash         string
	GuidCreationNum      string
	AllowUngatedTransfer bool
	IsDeleted            bool
	Untransferable       bool
	BlockTimestamp       time.Time
}

func (o Object) Table() string  { return TableObjects }
func (o Object) Key() string    { return versionKey(o.TransactionVersion, o.WriteSetChangeIndex) }
func (o Object) Version() int64 { return o.TransactionVersion }
func (o Object) Values() []any {
	return []any{
		o.TransactionVersion, o.WriteSetChangeIndex, o.ObjectAddress, o.OwnerAddress,
		o.StateKeyHash, o.GuidCreationNum, o.AllowUngatedTransfer, o.IsDeleted,
		o.Untransferable, o.BlockTimestamp,
	}
}

// CurrentObject is the latest known state of an object.
type CurrentObject struct {
	ObjectAddress          string
	OwnerAddress           string
	StateKeyHash           string
	AllowUngatedTransfer   bool
	LastGuidCreationNum    string
	LastTransactionVersion int64
	IsDeleted              bool
	Untransferable         bool
}

func (o CurrentObject) Table() string  { return TableCurrentObjects }
func (o CurrentObject) Key() string    { return o.ObjectAddress }
func (o CurrentObject) Version() int64 { return o.LastTransactionVersion }
func (o CurrentObject) Values() []any {
	return []any{
		o.ObjectAddress, o.OwnerAddress, o.StateKeyHash, o.AllowUngatedTransfer,
		o.LastGuidCreationNum, o.LastTransactionVersion, o.IsDeleted, o.Untransferable,
	}
}

// MergeFlags keeps the receiver's fields and ORs the untransferable marker.
func (o CurrentObject) MergeFlags(other Row) Row {
	if prev, ok := other.(CurrentObject); ok {
		o.Untransferable = o.Untransferable || prev.Untransferable
	}
	return o
}

// FungibleAssetActivity is an append-only deposit, withdraw or fee row.
type FungibleAssetActivity struct {
	TransactionVersion   int64
	EventIndex           int64
	OwnerAddress         string
	StorageID            string
	AssetType            string
	IsFrozen             bool
	Amount               string
	Type                 string
	IsGasFee             bool
	BlockHeight          int64
	TransactionTimestamp time.Time
}

func (a FungibleAssetActivity) Table() string  { return TableFungibleAssetActivities }
func (a FungibleAssetActivity) Key() string    { return versionKey(a.TransactionVersion, a.EventIndex) }
func (a FungibleAssetActivity) Version() int64 { return a.TransactionVersion }
func (a FungibleAssetActivity) Values() []any {
	return []any{
		a.TransactionVersion, a.EventIndex, nullString(a.OwnerAddress), a.StorageID, nullString(a.AssetType),
		a.IsFrozen, nullString(a.Amount), a.Type, a.IsGasFee, a.BlockHeight, a.TransactionTimestamp,
	}
}

// FungibleAssetMetadata describes one fungible asset type.
type FungibleAssetMetadata struct {
	AssetType                string
	CreatorAddress           string
	Name                     string
	Symbol                   string
	Decimals                 int32
	IconURI                  string
	ProjectURI               string
	SupplyV2                 string
	MaximumV2                string
	LastTransactionVersion   int64
	LastTransactionTimestamp time.Time
}

func (m FungibleAssetMetadata) Table() string  { return TableFungibleAssetMetadata }
func (m FungibleAssetMetadata) Key() string    { return m.AssetType }
func (m FungibleAssetMetadata) Version() int64 { return m.LastTransactionVersion }
func (m FungibleAssetMetadata) Values() []any {
	return []any{
		m.AssetType, m.CreatorAddress, m.Name, m.Symbol, m.Decimals, m.IconURI,
		m.ProjectURI, nullString(m.SupplyV2), nullString(m.MaximumV2), m.LastTransactionVersion, m.LastTransactionTimestamp,
	}
}

// CurrentFungibleAssetBalance is the latest balance held by one store.
type CurrentFungibleAssetBalance struct {
	StorageID                string
	OwnerAddress             string
	AssetTypeV2              string
	AssetTypeV1              string
	Amount                   string
	IsFrozen                 bool
	IsPrimary                bool
	LastTransactionVersion   int64
	LastTransactionTimestamp time.Time
}

func (b CurrentFungibleAssetBalance) Table() string  { return TableCurrentFungibleAssetBalance }
func (b CurrentFungibleAssetBalance) Key() string    { return b.StorageID }
func (b CurrentFungibleAssetBalance) Version() int64 { return b.LastTransactionVersion }
func (b CurrentFungibleAssetBalance) Values() []any {
	return []any{
		b.StorageID, b.OwnerAddress, b.AssetTypeV2, b.AssetTypeV1, b.Amount, b.IsFrozen,
		b.IsPrimary, b.LastTransactionVersion, b.LastTransactionTimestamp,
	}
}

// MergeFlags ORs the frozen and primary flags of two writes in the same version.
func (b CurrentFungibleAssetBalance) MergeFlags(other Row) Row {
	if prev, ok := other.(CurrentFungibleAssetBalance); ok {
		b.IsFrozen = b.IsFrozen || prev.IsFrozen
		b.IsPrimary = b.IsPrimary || prev.IsPrimary
	}
	return b
}

// FungibleAssetToCoinMapping pairs a fungible asset metadata address with the
// legacy coin type it was migrated from.
type FungibleAssetToCoinMapping struct {
	FAMetadataAddress      string
	CoinType               string
	LastTransactionVersion int64
}

func (m FungibleAssetToCoinMapping) Table() string  { return TableFungibleAssetToCoinMappings }
func (m FungibleAssetToCoinMapping) Key() string    { return m.FAMetadataAddress }
func (m FungibleAssetToCoinMapping) Version() int64 { return m.LastTransactionVersion }
func (m FungibleAssetToCoinMapping) Values() []any {
	return []any{m.FAMetadataAddress, m.CoinType, m.LastTransactionVersion}
}
