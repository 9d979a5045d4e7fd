package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ManualStorage archives the original uploaded manual bytes in MinIO/S3 so a
// document can be re-processed later without asking the user to upload again.
type ManualStorage struct {
	client *minio.Client
	bucket string
}

// NewManualStorageFromEnv initialises ManualStorage using MINIO_* environment
// variables. Returns (nil, nil) when MinIO is not configured; raw archival is
// optional and ingestion works without it.
func NewManualStorageFromEnv() (*ManualStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &ManualStorage{client: client, bucket: bucket}, nil
}

// Store writes the raw manual bytes and returns the object key
// manuals/<uuid>/<filename>.
func (s *ManualStorage) Store(ctx context.Context, data []byte, filename string) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("manual storage not configured")
	}
	cleaned := path.Base(strings.TrimSpace(filename))
	if cleaned == "" || cleaned == "." || cleaned == "/" {
		cleaned = "manual.bin"
	}
	objectKey := path.Join("manuals", uuid.NewString(), cleaned)

	contentType := http.DetectContentType(data)

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.PutObject(uploadCtx, s.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload manual: %w", err)
	}
	return objectKey, nil
}

// Remove deletes the archived object. A blank key is a no-op.
func (s *ManualStorage) Remove(ctx context.Context, objectKey string) error {
	if s == nil || s.client == nil {
		return nil
	}
	trimmed := strings.TrimSpace(objectKey)
	if trimmed == "" {
		return nil
	}

	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.client.RemoveObject(removeCtx, s.bucket, trimmed, minio.RemoveObjectOptions{})
}

// PresignedURL returns a temporary download URL for the archived manual.
func (s *ManualStorage) PresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("manual storage not configured")
	}
	trimmed := strings.TrimSpace(objectKey)
	if trimmed == "" {
		return "", errors.New("object key is empty")
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	presignCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	presigned, err := s.client.PresignedGetObject(presignCtx, s.bucket, trimmed, expiry, nil)
	if err != nil {
		return "", err
	}
	return presigned.String(), nil
}
