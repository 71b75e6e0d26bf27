package storage

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

// BuildUpsert renders a multi-row INSERT for n rows of the table.
//
// Current-state tables update only when the stored row is not newer:
//
//	ON CONFLICT (pk) DO UPDATE SET col = EXCLUDED.col, ...
//	WHERE t.last_transaction_version <= EXCLUDED.last_transaction_version
//
// Append-only tables ignore conflicts.
func BuildUpsert(spec TableSpec, n int) string {
	table := pgx.Identifier{spec.Name}.Sanitize()

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(joinIdentifiers(spec.Columns))
	b.WriteString(") VALUES ")

	width := len(spec.Columns)
	for row := 0; row < n; row++ {
		if row > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for col := 0; col < width; col++ {
			if col > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(row*width + col + 1))
		}
		b.WriteByte(')')
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(joinIdentifiers(spec.PrimaryKey))
	b.WriteString(")")

	if spec.AppendOnly {
		b.WriteString(" DO NOTHING")
		return b.String()
	}

	b.WriteString(" DO UPDATE SET ")
	first := true
	for _, col := range spec.Columns {
		if slices.Contains(spec.PrimaryKey, col) {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		ident := pgx.Identifier{col}.Sanitize()
		b.WriteString(ident)
		b.WriteString(" = EXCLUDED.")
		b.WriteString(ident)
	}

	guard := pgx.Identifier{GuardColumn}.Sanitize()
	fmt.Fprintf(&b, " WHERE %s.%s <= EXCLUDED.%s", table, guard, guard)
	return b.String()
}

// BuildArgs flattens row values in column order.
func BuildArgs(spec TableSpec, rows []model.Row) ([]any, error) {
	args := make([]any, 0, len(rows)*len(spec.Columns))
	for _, row := range rows {
		values := row.Values()
		if len(values) != len(spec.Columns) {
			return nil, fmt.Errorf("table %s: row has %d values, expected %d",
				spec.Name, len(values), len(spec.Columns))
		}
		args = append(args, values...)
	}
	return args, nil
}

func joinIdentifiers(cols []string) string {
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = pgx.Identifier{col}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
