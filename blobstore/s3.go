package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3 writes objects to an S3 compatible bucket.
type S3 struct {
	client *minio.Client
	bucket string
}

// NewS3 creates the client. Without an access key the standard AWS
// environment variables are used.
func NewS3(endpoint, bucket, accessKey, secretKey string, useSSL bool) (*S3, error) {
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	creds := credentials.NewEnvAWS()
	if accessKey != "" {
		creds = credentials.NewStaticV4(accessKey, secretKey, "")
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Region: region,
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return &S3{client: client, bucket: bucket}, nil
}

func (s *S3) Put(ctx context.Context, objectPath string, data []byte, metadata map[string]string) error {
	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(ctx, s.bucket, objectPath, reader, reader.Size(), minio.PutObjectOptions{
		ContentType:  contentTypeParquet,
		UserMetadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", s.bucket, objectPath, err)
	}
	return nil
}
