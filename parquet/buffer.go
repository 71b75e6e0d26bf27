package parquet

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	arrowpq "github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

// ErrEmptyBuffer is returned when a flush or upload has no data.
var ErrEmptyBuffer = errors.New("parquet buffer is empty")

// Buffer accumulates the rows of one table in an arrow record builder.
// It is not safe for concurrent use.
type Buffer struct {
	table   string
	schema  *arrow.Schema
	builder *array.RecordBuilder

	rows int
}

// NewBuffer creates an empty buffer for table.
func NewBuffer(table string, mem memory.Allocator) (*Buffer, error) {
	schema, err := Schema(table)
	if err != nil {
		return nil, err
	}
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &Buffer{
		table:   table,
		schema:  schema,
		builder: array.NewRecordBuilder(mem, schema),
	}, nil
}

// Append adds rows to the builder. Rows of another table are rejected.
func (b *Buffer) Append(rows []model.Row) error {
	for _, row := range rows {
		if row.Table() != b.table {
			return fmt.Errorf("cannot append %s row to %s buffer", row.Table(), b.table)
		}
		if err := appendRow(b.builder, row); err != nil {
			return err
		}
		b.rows++
	}
	return nil
}

// Len returns the number of buffered rows.
func (b *Buffer) Len() int { return b.rows }

// Flush encodes the buffered rows as a complete parquet file with a single
// row group and resets the buffer. The returned bytes belong to the caller.
func (b *Buffer) Flush() ([]byte, error) {
	if b.rows == 0 {
		return nil, fmt.Errorf("%s: %w", b.table, ErrEmptyBuffer)
	}

	record := b.builder.NewRecord()
	defer record.Release()

	var buf bytes.Buffer
	writer, err := pqarrow.NewFileWriter(b.schema, &buf, writerProperties(), arrowWriterProperties())
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write parquet row group: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close parquet writer: %w", err)
	}

	b.rows = 0
	return buf.Bytes(), nil
}

// Release frees the builder memory.
func (b *Buffer) Release() {
	b.builder.Release()
}

func writerProperties() *arrowpq.WriterProperties {
	return arrowpq.NewWriterProperties(
		arrowpq.WithCompression(compress.Codecs.Lz4Raw),
		arrowpq.WithDictionaryDefault(true),
		arrowpq.WithCreatedBy("txn-etl"),
	)
}

func arrowWriterProperties() pqarrow.ArrowWriterProperties {
	return pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())
}
