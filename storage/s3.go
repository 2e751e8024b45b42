package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/verayang01/chatd/config"
	"github.com/verayang01/chatd/consts"
	"github.com/verayang01/chatd/logger"
	"github.com/verayang01/chatd/store"
)

// S3Persister keeps the JSON snapshot as a single object. A PUT replaces
// the object atomically, so readers never see a partial snapshot.
type S3Persister struct {
	client *minio.Client
	bucket string
	object string
}

func NewS3Persister(ctx context.Context, cfg config.S3StorageConfig) (*S3Persister, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("Storage: created bucket", "bucket", cfg.Bucket)
	}

	object := cfg.Object
	if object == "" {
		object = "snapshot.json"
	}
	logger.Info("Storage: using s3 object", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket, "object", object)
	return &S3Persister{client: client, bucket: cfg.Bucket, object: object}, nil
}

func (p *S3Persister) Load(ctx context.Context) (*store.Snapshot, error) {
	obj, err := p.client.GetObject(ctx, p.bucket, p.object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, consts.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot object: %w", err)
	}
	return decodeSnapshot(data)
}

func (p *S3Persister) Save(ctx context.Context, snap *store.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = p.client.PutObject(ctx, p.bucket, p.object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json", SendContentMd5: true})
	if err != nil {
		return fmt.Errorf("failed to put snapshot object: %w", err)
	}
	return nil
}

func (p *S3Persister) Close() error {
	return nil
}
