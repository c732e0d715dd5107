package session

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ChunkUploader pushes recording chunks to durable storage.
type ChunkUploader interface {
	// UploadChunk uploads one chunk under the session's prefix. An error
	// marks the chunk for retry; the recorder never drops a failed chunk
	// silently.
	UploadChunk(ctx context.Context, sessionID string, chunk RecordingChunk) error
}

// S3Config holds the settings for the S3-compatible chunk store.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	Region    string
}

// Enabled reports whether the config describes a usable target.
func (c S3Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// S3ChunkUploader uploads chunks to S3-compatible object storage under
// {prefix}/{sessionID}/{sequence}-{chunkID}.
type S3ChunkUploader struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3ChunkUploader connects to the object store and ensures the bucket
// exists.
func NewS3ChunkUploader(ctx context.Context, cfg S3Config) (*S3ChunkUploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &S3ChunkUploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// UploadChunk uploads one chunk with a per-object timeout.
func (u *S3ChunkUploader) UploadChunk(ctx context.Context, sessionID string, chunk RecordingChunk) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	name := fmt.Sprintf("%s/%06d-%s", sessionID, chunk.SequenceIndex, chunk.ID)
	if u.prefix != "" {
		name = u.prefix + "/" + name
	}

	_, err := u.client.PutObject(ctx, u.bucket, name,
		bytes.NewReader(chunk.Payload), int64(len(chunk.Payload)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("upload chunk %s: %w: %v", chunk.ID, ErrNetwork, err)
	}
	return nil
}
