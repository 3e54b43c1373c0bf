package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"

	"convert-gateway/entities"
)

const expiresMetaKey = "Expires-At"

// minioStore keeps blobs under their content hash in a single bucket and
// records expiry in object user metadata, so no extra table is needed.
type minioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(client *minio.Client, bucket string) Store {
	return &minioStore{
		client: client,
		bucket: bucket,
	}
}

func (s *minioStore) Put(ctx context.Context, data []byte, contentType string) (*entities.Artifact, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])

	// Write-once: if the object is already there, reuse it.
	if info, err := s.client.StatObject(ctx, s.bucket, id, minio.StatObjectOptions{}); err == nil {
		return s.artifactFromInfo(id, info.Size, info.ContentType, info.LastModified, info.UserMetadata), nil
	}

	_, err := s.client.PutObject(ctx, s.bucket, id, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &entities.Artifact{
		ID:          id,
		Size:        int64(len(data)),
		ContentType: contentType,
		Location:    s.bucket + "/" + id,
		CreatedAt:   time.Now(),
	}, nil
}

func (s *minioStore) Get(ctx context.Context, id string) ([]byte, *entities.Artifact, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, nil, s.mapError(err)
	}

	artifact := s.artifactFromInfo(id, info.Size, info.ContentType, info.LastModified, info.UserMetadata)
	if artifact.Expired(time.Now()) {
		return nil, nil, ErrNotFound
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, nil, s.mapError(err)
	}
	return data, artifact, nil
}

func (s *minioStore) Delete(ctx context.Context, id string) error {
	err := s.client.RemoveObject(ctx, s.bucket, id, minio.RemoveObjectOptions{})
	if err != nil {
		return s.mapError(err)
	}
	return nil
}

func (s *minioStore) SetExpiry(ctx context.Context, id string, expires time.Time) error {
	info, err := s.client.StatObject(ctx, s.bucket, id, minio.StatObjectOptions{})
	if err != nil {
		return s.mapError(err)
	}

	meta := map[string]string{}
	for k, v := range info.UserMetadata {
		meta[k] = v
	}
	meta[expiresMetaKey] = expires.UTC().Format(time.RFC3339)

	// Server-side copy onto itself is the only way to rewrite metadata.
	_, err = s.client.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:          s.bucket,
			Object:          id,
			UserMetadata:    meta,
			ReplaceMetadata: true,
		},
		minio.CopySrcOptions{
			Bucket: s.bucket,
			Object: id,
		},
	)
	if err != nil {
		return s.mapError(err)
	}
	return nil
}

func (s *minioStore) ListExpired(ctx context.Context, now time.Time) ([]*entities.Artifact, error) {
	var expired []*entities.Artifact
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{WithMetadata: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, info.Err)
		}
		artifact := s.artifactFromInfo(info.Key, info.Size, info.ContentType, info.LastModified, info.UserMetadata)
		if artifact.Expired(now) {
			expired = append(expired, artifact)
		}
	}
	return expired, nil
}

func (s *minioStore) artifactFromInfo(id string, size int64, contentType string, created time.Time, meta map[string]string) *entities.Artifact {
	artifact := &entities.Artifact{
		ID:          id,
		Size:        size,
		ContentType: contentType,
		Location:    s.bucket + "/" + id,
		CreatedAt:   created,
	}
	raw, ok := meta[expiresMetaKey]
	if !ok {
		// ListObjects reports user metadata with the header prefix intact.
		raw, ok = meta["X-Amz-Meta-"+expiresMetaKey]
	}
	if ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			artifact.ExpiresAt = &t
		}
	}
	return artifact
}

func (s *minioStore) mapError(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
