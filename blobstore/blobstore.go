// Package blobstore writes exported objects to a local directory, Google
// Cloud Storage or an S3 compatible bucket.
package blobstore

import (
	"context"
	"fmt"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/config"
)

const contentTypeParquet = "application/vnd.apache.parquet"

// Store puts a complete object at a path relative to the bucket.
type Store interface {
	Put(ctx context.Context, objectPath string, data []byte, metadata map[string]string) error
}

// New builds the backend named by cfg.Backend.
func New(ctx context.Context, cfg config.ParquetConfig) (Store, error) {
	switch cfg.Backend {
	case "local":
		return NewLocal(cfg.Bucket), nil
	case "gcs":
		return NewGCS(ctx, cfg.Bucket, cfg.Endpoint)
	case "s3":
		return NewS3(cfg.Endpoint, cfg.Bucket, cfg.AccessKey, cfg.SecretKey, cfg.UseSSL)
	default:
		return nil, fmt.Errorf("unknown blob store backend %q", cfg.Backend)
	}
}
