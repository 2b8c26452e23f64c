package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hie/gateway/internal/domain/document"
	"github.com/hie/gateway/internal/platform/fhirserver"
	"github.com/hie/gateway/internal/platform/storage"
)

type failingStore struct {
	inner    *storage.InMemoryStore
	failKeys map[string]bool
}

func (s *failingStore) Exists(ctx context.Context, key string) (storage.ObjectInfo, error) {
	if s.failKeys[key] {
		return storage.ObjectInfo{}, errors.New("storage unavailable")
	}
	return s.inner.Exists(ctx, key)
}

func (s *failingStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.inner.SignedURL(ctx, key, ttl)
}

type failingFHIR struct {
	fhirserver.Client
}

func (f *failingFHIR) SearchDocumentReferences(context.Context, string, string, []string) ([]fhirserver.DocumentReference, error) {
	return nil, errors.New("resource server down")
}

func candidateRef(id, contentType string) document.Reference {
	return document.Reference{
		ID: id, ExternalID: "ext-" + id, CxID: "cx1", PatientID: "pt1",
		Source: document.SourceCarequality, HomeCommunityID: "1.2.3", ContentType: contentType,
	}
}

func TestResolveExistenceAsymmetry(t *testing.T) {
	store := storage.NewInMemoryStore()
	fhir := fhirserver.NewInMemoryClient()
	ctx := context.Background()

	both := candidateRef("doc-both", "application/xml")
	storageOnly := candidateRef("doc-storage-only", "application/xml")
	fhirOnly := candidateRef("doc-fhir-only", "application/xml")
	neither := candidateRef("doc-neither", "application/pdf")

	for _, ref := range []document.Reference{both, storageOnly} {
		store.Put(storage.DocumentKeyWithExtension("cx1", "pt1", ref.ID, ref.ContentType), 100, ref.ContentType)
	}
	for _, ref := range []document.Reference{both, fhirOnly} {
		fhir.UpsertDocumentReference(ctx, "cx1", fhirserver.DocumentReference{ID: ref.ID})
	}

	r := NewResolver(store, fhir, 4, zerolog.Nop())
	res := r.Resolve(ctx, "cx1", "pt1", []document.Reference{both, storageOnly, fhirOnly, neither})

	if len(res.Existing) != 1 || res.Existing[0].ID != "doc-both" {
		t.Fatalf("expected only doc-both excluded, got existing %+v", res.Existing)
	}
	got := map[string]bool{}
	for _, ref := range res.ToDownload {
		got[ref.ID] = true
	}
	for _, want := range []string{"doc-storage-only", "doc-fhir-only", "doc-neither"} {
		if !got[want] {
			t.Errorf("expected %s in toDownload, got %v", want, got)
		}
	}
	if len(res.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failures)
	}
}

func TestResolveCheckFailureIsConservative(t *testing.T) {
	inner := storage.NewInMemoryStore()
	ref := candidateRef("doc-1", "application/xml")
	key := storage.DocumentKeyWithExtension("cx1", "pt1", ref.ID, ref.ContentType)
	inner.Put(key, 100, ref.ContentType)

	fhir := fhirserver.NewInMemoryClient()
	fhir.UpsertDocumentReference(context.Background(), "cx1", fhirserver.DocumentReference{ID: ref.ID})

	store := &failingStore{inner: inner, failKeys: map[string]bool{key: true}}
	r := NewResolver(store, fhir, 4, zerolog.Nop())
	res := r.Resolve(context.Background(), "cx1", "pt1", []document.Reference{ref})

	if len(res.ToDownload) != 1 {
		t.Fatal("check failure must include the document in toDownload")
	}
	if len(res.Failures) != 1 || res.Failures[0].DocumentID != "doc-1" {
		t.Fatalf("expected one captured failure, got %+v", res.Failures)
	}
}

func TestResolveOneFailureDoesNotAbortBatch(t *testing.T) {
	inner := storage.NewInMemoryStore()
	bad := candidateRef("doc-bad", "application/xml")
	good := candidateRef("doc-good", "application/xml")
	badKey := storage.DocumentKeyWithExtension("cx1", "pt1", bad.ID, bad.ContentType)

	fhir := fhirserver.NewInMemoryClient()
	store := &failingStore{inner: inner, failKeys: map[string]bool{badKey: true}}
	r := NewResolver(store, fhir, 4, zerolog.Nop())
	res := r.Resolve(context.Background(), "cx1", "pt1", []document.Reference{bad, good})

	if len(res.ToDownload) != 2 {
		t.Fatalf("expected both documents in toDownload, got %d", len(res.ToDownload))
	}
	if len(res.Failures) != 1 {
		t.Fatalf("expected exactly one failure, got %d", len(res.Failures))
	}
}

func TestResolveFHIRSearchFailureTreatsAllUnindexed(t *testing.T) {
	store := storage.NewInMemoryStore()
	ref := candidateRef("doc-1", "application/xml")
	store.Put(storage.DocumentKeyWithExtension("cx1", "pt1", ref.ID, ref.ContentType), 100, ref.ContentType)

	r := NewResolver(store, &failingFHIR{}, 4, zerolog.Nop())
	res := r.Resolve(context.Background(), "cx1", "pt1", []document.Reference{ref})

	if len(res.ToDownload) != 1 {
		t.Fatal("FHIR search failure must re-download even storage-present documents")
	}
}

func TestResolveEmptyInput(t *testing.T) {
	r := NewResolver(storage.NewInMemoryStore(), fhirserver.NewInMemoryClient(), 4, zerolog.Nop())
	res := r.Resolve(context.Background(), "cx1", "pt1", nil)
	if len(res.ToDownload) != 0 || len(res.Existing) != 0 || len(res.Failures) != 0 {
		t.Fatalf("expected empty resolution, got %+v", res)
	}
}
