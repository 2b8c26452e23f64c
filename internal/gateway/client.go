// Package gateway holds the external-gateway surface: the fire-and-forget
// client that starts document queries and retrievals against HIE networks,
// the gateway directory that resolves a home community ID to its endpoint
// URLs, and the per-gateway batch-limit table.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Request types
// ---------------------------------------------------------------------------

// DocumentRequest is the per-document slice of a retrieval batch.
type DocumentRequest struct {
	ID              string `json:"id"`
	ExternalID      string `json:"externalId"`
	HomeCommunityID string `json:"homeCommunityId"`
	URL             string `json:"url,omitempty"`
	ContentType     string `json:"contentType,omitempty"`
}

// QueryRequest asks one gateway to enumerate a patient's documents.
type QueryRequest struct {
	RequestID string `json:"requestId"`
	CxID      string `json:"cxId"`
	PatientID string `json:"patientId"`
	GatewayID string `json:"gatewayId"`
	QueryURL  string `json:"queryUrl"`
}

// RetrievalRequest is one outbound batch scoped to a single gateway. Every
// document selected for retrieval appears in exactly one RetrievalRequest.
// BatchID is unique within the request; gateways echo it in their async
// result so each batch's answer can be correlated independently even when
// one gateway receives several batches.
type RetrievalRequest struct {
	RequestID    string            `json:"requestId"`
	BatchID      string            `json:"batchId"`
	CxID         string            `json:"cxId"`
	PatientID    string            `json:"patientId"`
	GatewayID    string            `json:"gatewayId"`
	RetrievalURL string            `json:"retrievalUrl"`
	Documents    []DocumentRequest `json:"documentReferences"`
	SentAt       time.Time         `json:"sentAt"`
}

// Client starts queries and retrievals against external gateways. Both
// calls are fire-and-forget: results arrive later through the async
// callback endpoints, keyed by requestId.
type Client interface {
	StartDocumentsQuery(ctx context.Context, requests []QueryRequest) error
	StartDocumentsRetrieval(ctx context.Context, requests []RetrievalRequest) error
}

// ---------------------------------------------------------------------------
// HTTP client
// ---------------------------------------------------------------------------

// HTTPClient posts outbound requests to the gateway bridge service, which
// handles the network-specific protocol serialization.
type HTTPClient struct {
	rc     *resty.Client
	logger zerolog.Logger
}

func NewHTTPClient(baseURL string, logger zerolog.Logger) *HTTPClient {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &HTTPClient{
		rc:     rc,
		logger: logger.With().Str("component", "gateway-client").Logger(),
	}
}

func (c *HTTPClient) StartDocumentsQuery(ctx context.Context, requests []QueryRequest) error {
	if len(requests) == 0 {
		return nil
	}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(requests).
		Post("/document-query")
	if err != nil {
		return fmt.Errorf("start documents query: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("start documents query: status %d", resp.StatusCode())
	}
	c.logger.Info().
		Str("request_id", requests[0].RequestID).
		Int("gateways", len(requests)).
		Msg("document query dispatched")
	return nil
}

func (c *HTTPClient) StartDocumentsRetrieval(ctx context.Context, requests []RetrievalRequest) error {
	if len(requests) == 0 {
		return nil
	}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(requests).
		Post("/document-retrieval")
	if err != nil {
		return fmt.Errorf("start documents retrieval: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("start documents retrieval: status %d", resp.StatusCode())
	}
	c.logger.Info().
		Str("request_id", requests[0].RequestID).
		Int("batches", len(requests)).
		Msg("document retrieval dispatched")
	return nil
}

// ---------------------------------------------------------------------------
// Capture client
// ---------------------------------------------------------------------------

// CaptureClient records outbound requests, for tests. FailGatewayIDs lists
// gateway IDs whose retrieval dispatch should fail. Safe for concurrent
// use; batches are dispatched from worker goroutines.
type CaptureClient struct {
	FailGatewayIDs map[string]bool

	mu         sync.Mutex
	queries    []QueryRequest
	retrievals []RetrievalRequest
}

func NewCaptureClient() *CaptureClient {
	return &CaptureClient{FailGatewayIDs: map[string]bool{}}
}

func (c *CaptureClient) StartDocumentsQuery(_ context.Context, requests []QueryRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, requests...)
	return nil
}

func (c *CaptureClient) StartDocumentsRetrieval(_ context.Context, requests []RetrievalRequest) error {
	for _, r := range requests {
		if c.FailGatewayIDs[r.GatewayID] {
			return fmt.Errorf("gateway %s rejected dispatch", r.GatewayID)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retrievals = append(c.retrievals, requests...)
	return nil
}

func (c *CaptureClient) Queries() []QueryRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]QueryRequest(nil), c.queries...)
}

func (c *CaptureClient) Retrievals() []RetrievalRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RetrievalRequest(nil), c.retrievals...)
}
