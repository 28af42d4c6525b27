// Package archive copies artifact files to S3-compatible object storage
// before the purge processor removes them from disk.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client the uploader needs.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader copies local artifact files into an object store bucket,
// keyed by their volume-relative store path.
type Uploader struct {
	s3     S3API
	bucket string
	prefix string
	logger *zap.Logger
}

func NewUploader(s3api S3API, bucket, prefix string, logger *zap.Logger) *Uploader {
	return &Uploader{s3: s3api, bucket: bucket, prefix: prefix, logger: logger}
}

// Archive uploads one file. The object key is the file's path relative to
// the volume root, under the configured prefix, so archived artifacts keep
// the store's sharded layout.
func (u *Uploader) Archive(ctx context.Context, volumeRoot, localPath string) error {
	rel, err := filepath.Rel(volumeRoot, localPath)
	if err != nil {
		return fmt.Errorf("computing archive key: %w", err)
	}
	key := filepath.ToSlash(rel)
	if u.prefix != "" {
		key = strings.TrimSuffix(u.prefix, "/") + "/" + key
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening file for archive: %w", err)
	}
	defer f.Close()

	_, err = u.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &u.bucket,
		Key:         &key,
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("uploading to archive: %w", err)
	}

	u.logger.Debug("file archived",
		zap.String("path", localPath),
		zap.String("key", key),
	)
	return nil
}
