// Package fhirserver is the client for the FHIR resource server the
// gateway treats as the system of record for "is this document indexed".
// It exposes the narrow surface the orchestrator needs: searching
// DocumentReferences by ID, upserting a single reference, and executing
// transaction bundles.
package fhirserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Resource types
// ---------------------------------------------------------------------------

// Attachment points at stored document content.
type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// DocumentReference is the subset of the FHIR resource the gateway reads
// and writes. DocStatus is "preliminary" while retrieval is pending and
// "final" once content is attached.
type DocumentReference struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id"`
	Status       string       `json:"status,omitempty"`
	DocStatus    string       `json:"docStatus,omitempty"`
	Description  string       `json:"description,omitempty"`
	Subject      Reference    `json:"subject,omitempty"`
	Content      []Attachment `json:"content,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
}

// Bundle is a FHIR transaction bundle of DocumentReference upserts.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Entry        []BundleEntry `json:"entry"`
}

type BundleEntry struct {
	Resource DocumentReference `json:"resource"`
	Request  BundleRequest     `json:"request"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewTransactionBundle builds a transaction bundle that PUTs every given
// DocumentReference.
func NewTransactionBundle(refs []DocumentReference) Bundle {
	bundle := Bundle{ResourceType: "Bundle", Type: "transaction"}
	for _, ref := range refs {
		bundle.Entry = append(bundle.Entry, BundleEntry{
			Resource: ref,
			Request:  BundleRequest{Method: http.MethodPut, URL: "DocumentReference/" + ref.ID},
		})
	}
	return bundle
}

// ---------------------------------------------------------------------------
// Client interface
// ---------------------------------------------------------------------------

// Client is the resource-server contract consumed by the orchestrator.
type Client interface {
	// SearchDocumentReferences returns the subset of ids that are indexed
	// for the patient.
	SearchDocumentReferences(ctx context.Context, cxID, patientID string, ids []string) ([]DocumentReference, error)
	UpsertDocumentReference(ctx context.Context, cxID string, ref DocumentReference) error
	ExecuteTransaction(ctx context.Context, cxID string, bundle Bundle) error
}

// ---------------------------------------------------------------------------
// HTTP client
// ---------------------------------------------------------------------------

// HTTPClient talks to a FHIR R4 server over its REST API. Tenancy is
// conveyed via the X-Tenant-ID header, one FHIR store per customer.
type HTTPClient struct {
	rc     *resty.Client
	logger zerolog.Logger
}

type searchBundle struct {
	Entry []struct {
		Resource DocumentReference `json:"resource"`
	} `json:"entry"`
}

func NewHTTPClient(baseURL string, logger zerolog.Logger) *HTTPClient {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &HTTPClient{
		rc:     rc,
		logger: logger.With().Str("component", "fhirserver").Logger(),
	}
}

func (c *HTTPClient) SearchDocumentReferences(ctx context.Context, cxID, patientID string, ids []string) ([]DocumentReference, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var result searchBundle
	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("X-Tenant-ID", cxID).
		SetQueryParam("patient", patientID).
		SetQueryParam("_id", strings.Join(ids, ",")).
		SetResult(&result).
		Get("/DocumentReference")
	if err != nil {
		return nil, fmt.Errorf("search DocumentReference: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("search DocumentReference: status %d", resp.StatusCode())
	}
	refs := make([]DocumentReference, 0, len(result.Entry))
	for _, e := range result.Entry {
		refs = append(refs, e.Resource)
	}
	return refs, nil
}

func (c *HTTPClient) UpsertDocumentReference(ctx context.Context, cxID string, ref DocumentReference) error {
	ref.ResourceType = "DocumentReference"
	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("X-Tenant-ID", cxID).
		SetBody(ref).
		Put("/DocumentReference/" + ref.ID)
	if err != nil {
		return fmt.Errorf("upsert DocumentReference %s: %w", ref.ID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("upsert DocumentReference %s: status %d", ref.ID, resp.StatusCode())
	}
	return nil
}

func (c *HTTPClient) ExecuteTransaction(ctx context.Context, cxID string, bundle Bundle) error {
	if len(bundle.Entry) == 0 {
		return nil
	}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("X-Tenant-ID", cxID).
		SetBody(bundle).
		Post("/")
	if err != nil {
		return fmt.Errorf("execute transaction: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("execute transaction: status %d", resp.StatusCode())
	}
	c.logger.Debug().Int("entries", len(bundle.Entry)).Msg("transaction bundle applied")
	return nil
}

// ---------------------------------------------------------------------------
// In-memory client
// ---------------------------------------------------------------------------

// InMemoryClient is a thread-safe fake for tests and development.
type InMemoryClient struct {
	mu   sync.RWMutex
	refs map[string]map[string]DocumentReference // cxID -> id -> ref
}

func NewInMemoryClient() *InMemoryClient {
	return &InMemoryClient{refs: make(map[string]map[string]DocumentReference)}
}

func (c *InMemoryClient) SearchDocumentReferences(_ context.Context, cxID, _ string, ids []string) ([]DocumentReference, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []DocumentReference
	for _, id := range ids {
		if ref, ok := c.refs[cxID][id]; ok {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (c *InMemoryClient) UpsertDocumentReference(_ context.Context, cxID string, ref DocumentReference) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs[cxID] == nil {
		c.refs[cxID] = make(map[string]DocumentReference)
	}
	c.refs[cxID][ref.ID] = ref
	return nil
}

func (c *InMemoryClient) ExecuteTransaction(_ context.Context, cxID string, bundle Bundle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs[cxID] == nil {
		c.refs[cxID] = make(map[string]DocumentReference)
	}
	for _, e := range bundle.Entry {
		c.refs[cxID][e.Resource.ID] = e.Resource
	}
	return nil
}

// Get returns a stored reference, for test assertions.
func (c *InMemoryClient) Get(cxID, id string) (DocumentReference, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.refs[cxID][id]
	return ref, ok
}
