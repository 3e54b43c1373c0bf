package storage

import (
	"context"
	"errors"
	"time"

	"convert-gateway/entities"
)

var (
	// ErrNotFound covers deleted and expired artifacts; terminal.
	ErrNotFound = errors.New("artifact not found")
	// ErrUnavailable covers transient backend failures; retryable.
	ErrUnavailable = errors.New("artifact store unavailable")
)

// Store is a content-addressable blob store. Put is atomic and idempotent:
// identical bytes resolve to the same artifact, and a concurrent Get never
// observes partial data.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (*entities.Artifact, error)
	Get(ctx context.Context, id string) ([]byte, *entities.Artifact, error)
	Delete(ctx context.Context, id string) error
	SetExpiry(ctx context.Context, id string, expires time.Time) error
	ListExpired(ctx context.Context, now time.Time) ([]*entities.Artifact, error)
}
