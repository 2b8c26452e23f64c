package document

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MappingKey identifies one external document within one network.
type MappingKey struct {
	CxID       string
	PatientID  string
	Source     Source
	ExternalID string
}

// MappingRepository persists the external-ID to internal-ID mapping.
// FindOrCreateID is idempotent: concurrent callers with the same key all
// observe the same internal ID.
type MappingRepository interface {
	FindOrCreateID(ctx context.Context, key MappingKey) (string, error)
	GetID(ctx context.Context, key MappingKey) (string, bool, error)
}

// ---------------------------------------------------------------------------
// In-memory repository
// ---------------------------------------------------------------------------

type InMemoryMappingRepo struct {
	mu  sync.Mutex
	ids map[MappingKey]string
}

func NewInMemoryMappingRepo() *InMemoryMappingRepo {
	return &InMemoryMappingRepo{ids: make(map[MappingKey]string)}
}

func (r *InMemoryMappingRepo) FindOrCreateID(_ context.Context, key MappingKey) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[key]; ok {
		return id, nil
	}
	id := uuid.NewString()
	r.ids[key] = id
	return id, nil
}

func (r *InMemoryMappingRepo) GetID(_ context.Context, key MappingKey) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[key]
	return id, ok, nil
}
