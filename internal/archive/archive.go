package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Archiver stores raw inventory uploads in an S3 compatible bucket
type Archiver struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates a MinIO backed archiver
func NewArchiver(endpoint, accessKeyID, secretAccessKey, bucket string, useSSL bool, logger *slog.Logger) (*Archiver, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Archiver{
		client: client,
		bucket: bucket,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureBucket creates the archive bucket when missing
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		a.logger.Info("Created archive bucket", slog.String("bucket", a.bucket))
	}
	return nil
}

// PutInventoryFile uploads a raw CSV and returns its object key
func (a *Archiver) PutInventoryFile(ctx context.Context, dealershipID, filename string, data []byte) (string, error) {
	key := ObjectKey(dealershipID, filename, a.now())

	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/csv",
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object: %w", err)
	}

	a.logger.Debug("Archived inventory file",
		slog.String("bucket", a.bucket),
		slog.String("key", key),
		slog.Int("bytes", len(data)))
	return key, nil
}

// ObjectKey builds inventory/<dealership>/<timestamp>-<name>.csv
func ObjectKey(dealershipID, filename string, at time.Time) string {
	name := strings.TrimSuffix(path.Base(strings.ReplaceAll(filename, `\`, "/")), path.Ext(filename))
	name = strings.Trim(unsafeKeyChars.ReplaceAllString(name, "_"), "_")
	if name == "" || name == "." {
		name = "upload"
	}
	dealer := strings.Trim(unsafeKeyChars.ReplaceAllString(dealershipID, "_"), "_")

	return fmt.Sprintf("inventory/%s/%s-%s.csv", dealer, at.UTC().Format("20060102T150405Z"), name)
}
