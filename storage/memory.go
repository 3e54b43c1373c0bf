package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"convert-gateway/entities"
)

type memoryObject struct {
	data     []byte
	artifact entities.Artifact
}

// memoryStore is the blob backend used when no minio url is configured.
type memoryStore struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject
}

func NewMemoryStore() Store {
	return &memoryStore{
		objects: make(map[string]*memoryObject),
	}
}

func (s *memoryStore) Put(ctx context.Context, data []byte, contentType string) (*entities.Artifact, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if obj, ok := s.objects[id]; ok {
		copied := obj.artifact
		return &copied, nil
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	obj := &memoryObject{
		data: stored,
		artifact: entities.Artifact{
			ID:          id,
			Size:        int64(len(data)),
			ContentType: contentType,
			Location:    "memory/" + id,
			CreatedAt:   time.Now(),
		},
	}
	s.objects[id] = obj
	copied := obj.artifact
	return &copied, nil
}

func (s *memoryStore) Get(ctx context.Context, id string) ([]byte, *entities.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if obj.artifact.Expired(time.Now()) {
		return nil, nil, ErrNotFound
	}

	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	artifact := obj.artifact
	return data, &artifact, nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[id]; !ok {
		return ErrNotFound
	}
	delete(s.objects, id)
	return nil
}

func (s *memoryStore) SetExpiry(ctx context.Context, id string, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[id]
	if !ok {
		return ErrNotFound
	}
	t := expires
	obj.artifact.ExpiresAt = &t
	return nil
}

func (s *memoryStore) ListExpired(ctx context.Context, now time.Time) ([]*entities.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []*entities.Artifact
	for _, obj := range s.objects {
		if obj.artifact.Expired(now) {
			artifact := obj.artifact
			expired = append(expired, &artifact)
		}
	}
	return expired, nil
}
