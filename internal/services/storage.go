package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrImageNotFound is returned when a receipt's image is gone from the bucket.
var ErrImageNotFound = errors.New("receipt image not found")

// ImageStore keeps receipt images in S3-compatible storage
type ImageStore struct {
	client     *minio.Client
	bucketName string
	region     string
	maxBytes   int64
}

// StoredImage describes an uploaded receipt image
type StoredImage struct {
	Bucket      string
	Key         string
	Size        int64
	ContentType string
	ETag        string
}

// NewImageStore creates a new S3 image store. maxBytes bounds how much a
// Fetch will read back.
func NewImageStore(endpoint, accessKey, secretKey, bucketName, region string, useSSL bool, maxBytes int64) (*ImageStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	return &ImageStore{
		client:     client,
		bucketName: bucketName,
		region:     region,
		maxBytes:   maxBytes,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *ImageStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// ReceiptImageKey builds a unique object key under receipts/YYYY/MM/.
func ReceiptImageKey(now time.Time, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) > 6 {
		ext = ""
	}
	return fmt.Sprintf("receipts/%s/%s%s", now.UTC().Format("2006/01"), uuid.New().String(), ext)
}

// Put stores an image under key
func (s *ImageStore) Put(ctx context.Context, key string, data []byte, contentType string) (*StoredImage, error) {
	info, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload image: %w", err)
	}

	return &StoredImage{
		Bucket:      info.Bucket,
		Key:         info.Key,
		Size:        info.Size,
		ContentType: contentType,
		ETag:        info.ETag,
	}, nil
}

// Fetch reads an image back. Objects larger than the configured limit are
// refused rather than truncated.
func (s *ImageStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	r := io.Reader(obj)
	if s.maxBytes > 0 {
		r = io.LimitReader(obj, s.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrImageNotFound
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("object %s exceeds %d bytes", key, s.maxBytes)
	}
	return data, nil
}

// PresignedURL generates a temporary download link for an image
func (s *ImageStore) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := s.client.PresignedGetObject(ctx, s.bucketName, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return url.String(), nil
}

// Delete removes an image
func (s *ImageStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (s *ImageStore) Bucket() string {
	return s.bucketName
}
