// Package artifacts mirrors rendered transcripts into object storage. The
// local output directory stays authoritative; a mirror failure never fails
// the task.
package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store uploads output files to a MinIO bucket, keyed by file name.
type Store struct {
	client *minio.Client
	bucket string
}

// NewStore connects to MinIO and creates the bucket when missing.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		bucket = "whisperd-artifacts"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("minio bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio bucket create: %w", err)
		}
	}
	return &Store{client: client, bucket: bucket}, nil
}

// Upload mirrors one local file into the bucket under its base name.
func (s *Store) Upload(ctx context.Context, localPath string) error {
	object := filepath.Base(localPath)
	_, err := s.client.FPutObject(ctx, s.bucket, object, localPath, minio.PutObjectOptions{
		ContentType: contentTypeFor(object),
	})
	if err != nil {
		return fmt.Errorf("minio upload %s: %w", object, err)
	}
	return nil
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".srt":
		return "application/x-subrip"
	case ".vtt":
		return "text/vtt"
	default:
		return "text/plain; charset=utf-8"
	}
}
