package blobstore

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS writes objects to a Google Cloud Storage bucket. Credentials come from
// the environment (GOOGLE_APPLICATION_CREDENTIALS or workload identity).
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS creates the client. A non-empty endpoint targets an emulator and
// disables authentication.
func NewGCS(ctx context.Context, bucket, endpoint string) (*GCS, error) {
	var options []option.ClientOption
	if endpoint != "" {
		options = append(options, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	} else if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" && os.Getenv("GCS_ANONYMOUS") == "true" {
		options = append(options, option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (g *GCS) Put(ctx context.Context, objectPath string, data []byte, metadata map[string]string) error {
	writer := g.client.Bucket(g.bucket).Object(objectPath).NewWriter(ctx)
	writer.ContentType = contentTypeParquet
	writer.Metadata = metadata
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write gs://%s/%s: %w", g.bucket, objectPath, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer for gs://%s/%s: %w", g.bucket, objectPath, err)
	}
	return nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}
