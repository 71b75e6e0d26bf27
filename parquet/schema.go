// Package parquet buffers typed rows per table and exports them as LZ4
// compressed parquet objects.
package parquet

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

var (
	int64Type     = arrow.PrimitiveTypes.Int64
	int32Type     = arrow.PrimitiveTypes.Int32
	stringType    = arrow.BinaryTypes.String
	boolType      = arrow.FixedWidthTypes.Boolean
	timestampType = arrow.FixedWidthTypes.Timestamp_us
)

// Field order matches model.Row.Values() for each table.
var schemas = map[string]*arrow.Schema{
	model.TableObjects: arrow.NewSchema([]arrow.Field{
		{Name: "transaction_version", Type: int64Type},
		{Name: "write_set_change_index", Type: int64Type},
		{Name: "object_address", Type: stringType},
		{Name: "owner_address", Type: stringType},
		{Name: "state_key_hash", Type: stringType},
		{Name: "guid_creation_num", Type: stringType},
		{Name: "allow_ungated_transfer", Type: boolType},
		{Name: "is_deleted", Type: boolType},
		{Name: "untransferable", Type: boolType},
		{Name: "block_timestamp", Type: timestampType},
	}, nil),

	model.TableCurrentObjects: arrow.NewSchema([]arrow.Field{
		{Name: "object_address", Type: stringType},
		{Name: "owner_address", Type: stringType},
		{Name: "state_key_hash", Type: stringType},
		{Name: "allow_ungated_transfer", Type: boolType},
		{Name: "last_guid_creation_num", Type: stringType},
		{Name: "last_transaction_version", Type: int64Type},
		{Name: "is_deleted", Type: boolType},
		{Name: "untransferable", Type: boolType},
	}, nil),

	model.TableFungibleAssetActivities: arrow.NewSchema([]arrow.Field{
		{Name: "transaction_version", Type: int64Type},
		{Name: "event_index", Type: int64Type},
		{Name: "owner_address", Type: stringType, Nullable: true},
		{Name: "storage_id", Type: stringType},
		{Name: "asset_type", Type: stringType, Nullable: true},
		{Name: "is_frozen", Type: boolType},
		{Name: "amount", Type: stringType, Nullable: true},
		{Name: "type", Type: stringType},
		{Name: "is_gas_fee", Type: boolType},
		{Name: "block_height", Type: int64Type},
		{Name: "transaction_timestamp", Type: timestampType},
	}, nil),

	model.TableFungibleAssetMetadata: arrow.NewSchema([]arrow.Field{
		{Name: "asset_type", Type: stringType},
		{Name: "creator_address", Type: stringType},
		{Name: "name", Type: stringType},
		{Name: "symbol", Type: stringType},
		{Name: "decimals", Type: int32Type},
		{Name: "icon_uri", Type: stringType},
		{Name: "project_uri", Type: stringType},
		{Name: "supply_v2", Type: stringType, Nullable: true},
		{Name: "maximum_v2", Type: stringType, Nullable: true},
		{Name: "last_transaction_version", Type: int64Type},
		{Name: "last_transaction_timestamp", Type: timestampType},
	}, nil),

	model.TableCurrentFungibleAssetBalance: arrow.NewSchema([]arrow.Field{
		{Name: "storage_id", Type: stringType},
		{Name: "owner_address", Type: stringType},
		{Name: "asset_type_v2", Type: stringType},
		{Name: "asset_type_v1", Type: stringType},
		{Name: "amount", Type: stringType},
		{Name: "is_frozen", Type: boolType},
		{Name: "is_primary", Type: boolType},
		{Name: "last_transaction_version", Type: int64Type},
		{Name: "last_transaction_timestamp", Type: timestampType},
	}, nil),

	model.TableFungibleAssetToCoinMappings: arrow.NewSchema([]arrow.Field{
		{Name: "fa_metadata_address", Type: stringType},
		{Name: "coin_type", Type: stringType},
		{Name: "last_transaction_version", Type: int64Type},
	}, nil),
}

// Schema returns the arrow schema of a table.
func Schema(table string) (*arrow.Schema, error) {
	schema, ok := schemas[table]
	if !ok {
		return nil, fmt.Errorf("no parquet schema for table %q", table)
	}
	return schema, nil
}

// appendRow appends one row's values to the record builder, column by column.
func appendRow(b *array.RecordBuilder, row model.Row) error {
	values := row.Values()
	if len(values) != len(b.Fields()) {
		return fmt.Errorf("%s row has %d values, schema has %d fields", row.Table(), len(values), len(b.Fields()))
	}
	for i, v := range values {
		if err := appendValue(b.Field(i), v); err != nil {
			return fmt.Errorf("%s.%s: %w", row.Table(), b.Schema().Field(i).Name, err)
		}
	}
	return nil
}

func appendValue(fb array.Builder, v any) error {
	if v == nil {
		fb.AppendNull()
		return nil
	}
	switch b := fb.(type) {
	case *array.Int64Builder:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("expected int64, got %T", v)
		}
		b.Append(n)
	case *array.Int32Builder:
		n, ok := v.(int32)
		if !ok {
			return fmt.Errorf("expected int32, got %T", v)
		}
		b.Append(n)
	case *array.StringBuilder:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		b.Append(s)
	case *array.BooleanBuilder:
		flag, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		b.Append(flag)
	case *array.TimestampBuilder:
		ts, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", v)
		}
		b.Append(arrow.Timestamp(ts.UnixMicro()))
	default:
		return fmt.Errorf("unsupported builder %T", fb)
	}
	return nil
}

// estimateSize approximates the in-memory footprint of a row: string
// lengths plus 8 bytes for every other value.
func estimateSize(row model.Row) int64 {
	var n int64
	for _, v := range row.Values() {
		switch val := v.(type) {
		case nil:
		case string:
			n += int64(len(val))
		default:
			n += 8
		}
	}
	return n
}
