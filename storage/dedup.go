package storage

import (
	"sort"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/config"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

// Dedup keeps one row per natural key: the one with the greatest version.
// Rows that tie on version have their flags merged when they implement
// model.FlagMerger; otherwise the later row wins. Output is sorted by key so
// concurrent writers lock rows in the same order.
func Dedup(rows []model.Row) []model.Row {
	if len(rows) < 2 {
		return rows
	}

	latest := make(map[string]model.Row, len(rows))
	for _, row := range rows {
		key := row.Key()
		prev, ok := latest[key]
		switch {
		case !ok || row.Version() > prev.Version():
			latest[key] = row
		case row.Version() == prev.Version():
			if merger, ok := row.(model.FlagMerger); ok {
				latest[key] = merger.MergeFlags(prev)
			} else {
				latest[key] = row
			}
		}
	}

	out := make([]model.Row, 0, len(latest))
	for _, row := range latest {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// FilterRows drops tables that are not enabled for the run.
func FilterRows(flags config.TableFlags, rows model.RowSet) model.RowSet {
	if flags.IsEmpty() {
		return rows
	}
	out := make(model.RowSet, len(rows))
	for table, tableRows := range rows {
		if flags.Allows(table) {
			out[table] = tableRows
		}
	}
	return out
}

// Chunk splits rows into slices of at most size rows.
func Chunk(rows []model.Row, size int) [][]model.Row {
	if size <= 0 || len(rows) == 0 {
		return nil
	}
	chunks := make([][]model.Row, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}
