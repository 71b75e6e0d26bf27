// Package inspect summarises exported parquet tables with DuckDB.
package inspect

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/storage"
)

// TableStats describes the objects exported for one table.
type TableStats struct {
	Table      string
	Files      int
	Rows       int64
	MaxVersion *int64
}

// Inspector queries parquet files under a local export root.
type Inspector struct {
	db   *sql.DB
	root string
}

// Open starts an in-memory DuckDB instance over root, the directory holding
// one sub-directory per table.
func Open(root string) (*Inspector, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	return &Inspector{db: db, root: root}, nil
}

func (i *Inspector) Close() error {
	return i.db.Close()
}

// Table counts rows and the highest version of one table's files. A table
// without files reports zero rows.
func (i *Inspector) Table(ctx context.Context, table string) (TableStats, error) {
	spec, err := storage.LookupTable(table)
	if err != nil {
		return TableStats{}, err
	}
	stats := TableStats{Table: table}

	pattern := filepath.Join(i.root, table, "*.parquet")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return stats, fmt.Errorf("failed to list %s: %w", pattern, err)
	}
	stats.Files = len(files)
	if len(files) == 0 {
		return stats, nil
	}

	column := storage.GuardColumn
	if spec.AppendOnly {
		column = "transaction_version"
	}
	query := fmt.Sprintf("SELECT count(*), max(%s) FROM read_parquet(%s)", column, quoteLiteral(pattern))

	var maxVersion sql.NullInt64
	if err := i.db.QueryRowContext(ctx, query).Scan(&stats.Rows, &maxVersion); err != nil {
		return stats, fmt.Errorf("failed to query %s: %w", table, err)
	}
	if maxVersion.Valid {
		v := maxVersion.Int64
		stats.MaxVersion = &v
	}
	return stats, nil
}

// Tables inspects each table in order.
func (i *Inspector) Tables(ctx context.Context, tables []string) ([]TableStats, error) {
	out := make([]TableStats, 0, len(tables))
	for _, table := range tables {
		stats, err := i.Table(ctx, table)
		if err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	return out, nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
