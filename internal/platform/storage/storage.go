// Package storage provides clinical-document object storage for the
// gateway. It defines the ObjectStore interface, an S3-backed
// implementation, and an in-memory implementation for testing and
// development. Keys are deterministic functions of the owning customer,
// patient, and document so existence checks are repeatable.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var ErrObjectNotFound = errors.New("object not found")

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Exists      bool
	Size        int64
	ContentType string
}

// ObjectStore is the narrow contract the orchestrator needs from object
// storage: existence metadata and time-limited download URLs.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (ObjectInfo, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// DocumentKey builds the canonical storage key for a clinical document.
// The same (cxId, patientId, docId) always maps to the same key.
func DocumentKey(cxID, patientID, docID string) string {
	return fmt.Sprintf("%s/%s/%s_%s_%s", cxID, patientID, cxID, patientID, docID)
}

// DocumentKeyWithExtension appends a file extension derived from the
// content type, matching how converted payloads are stored.
func DocumentKeyWithExtension(cxID, patientID, docID, contentType string) string {
	key := DocumentKey(cxID, patientID, docID)
	switch {
	case strings.Contains(contentType, "xml"):
		return key + ".xml"
	case strings.Contains(contentType, "pdf"):
		return key + ".pdf"
	case strings.Contains(contentType, "json"):
		return key + ".json"
	default:
		return key
	}
}

// ---------------------------------------------------------------------------
// InMemoryStore
// ---------------------------------------------------------------------------

// InMemoryStore is a thread-safe, in-memory ObjectStore for tests and
// development.
type InMemoryStore struct {
	mu      sync.RWMutex
	objects map[string]ObjectInfo
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{objects: make(map[string]ObjectInfo)}
}

// Put registers an object so later Exists calls see it.
func (s *InMemoryStore) Put(key string, size int64, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = ObjectInfo{Exists: true, Size: size, ContentType: contentType}
}

func (s *InMemoryStore) Exists(_ context.Context, key string) (ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.objects[key]
	if !ok {
		return ObjectInfo{Exists: false}, nil
	}
	return info, nil
}

func (s *InMemoryStore) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[key]; !ok {
		return "", ErrObjectNotFound
	}
	return "https://storage.local/" + key, nil
}
