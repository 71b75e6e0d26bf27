package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

// CompressionType is detected from the file extension.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionZstd CompressionType = "zstd"
	CompressionLZ4  CompressionType = "lz4"
)

// DetectCompression maps ".zst" and ".lz4" suffixes to their codec.
func DetectCompression(path string) CompressionType {
	switch {
	case strings.HasSuffix(path, ".zst"), strings.HasSuffix(path, ".zstd"):
		return CompressionZstd
	case strings.HasSuffix(path, ".lz4"):
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// FileSource reads newline delimited JSON transactions from a file, or from
// every file of a directory in name order.
type FileSource struct {
	path      string
	batchSize int
	logger    *logging.ComponentLogger
}

func NewFileSource(path string, batchSize int, logger *logging.ComponentLogger) *FileSource {
	return &FileSource{
		path:      path,
		batchSize: batchSize,
		logger:    logger.With("file_source"),
	}
}

// Stream implements Source.
func (s *FileSource) Stream(ctx context.Context, req Request) (<-chan model.TransactionBatch, <-chan error) {
	out := make(chan model.TransactionBatch)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		if err := s.run(ctx, req, out); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	return out, errCh
}

func (s *FileSource) run(ctx context.Context, req Request, out chan<- model.TransactionBatch) error {
	files, err := s.files()
	if err != nil {
		return err
	}

	b := newBatcher(req, s.batchSize, out)
	for _, path := range files {
		done, err := s.readFile(ctx, path, b)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	return b.flush(ctx)
}

func (s *FileSource) files() ([]string, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source path: %w", err)
	}
	if !info.IsDir() {
		return []string{s.path}, nil
	}

	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to list source directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(s.path, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func (s *FileSource) readFile(ctx context.Context, path string, b *batcher) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r, closeReader, err := decompress(f, DetectCompression(path))
	if err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}
	defer closeReader()

	s.logger.Debug().Str("file", path).Msg("Reading transactions")

	dec := json.NewDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		var txn model.Transaction
		if err := dec.Decode(&txn); err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, fmt.Errorf("%s: failed to decode transaction: %w", path, err)
		}
		done, err := b.add(ctx, txn)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
	}
}

func decompress(r io.Reader, compression CompressionType) (io.Reader, func(), error) {
	switch compression {
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return dec, dec.Close, nil
	case CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	default:
		return r, func() {}, nil
	}
}
