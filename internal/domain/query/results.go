package query

import (
	"sync"

	"github.com/hie/gateway/internal/domain/document"
)

// OutcomeIssue is one per-issue error reported by a gateway. A gateway
// can return documents and issues in the same result.
type OutcomeIssue struct {
	Severity string `json:"severity,omitempty"`
	Code     string `json:"code,omitempty"`
	Details  string `json:"details,omitempty"`
}

// GatewayResult is one gateway's asynchronous answer to a single
// retrieval batch, correlated by requestId and the batchId the outbound
// request carried. A gateway that received several batches answers each
// one separately.
type GatewayResult struct {
	RequestID string
	BatchID   string
	GatewayID string
	Documents []document.Reference
	Issues    []OutcomeIssue
}

// Key is the dedup identity of the result within its request. Results
// lacking a batchId fall back to the gateway ID; the planner gives a
// gateway's only batch the gateway ID itself, so the fallback stays
// correct for single-batch gateways.
func (r GatewayResult) Key() string {
	if r.BatchID != "" {
		return r.BatchID
	}
	return r.GatewayID
}

// ResultStore collects inbound gateway results per requestId. Deposits
// are idempotent per (requestId, batchId): redelivering the same batch's
// result is a no-op, which is what makes double tallying impossible
// downstream.
type ResultStore struct {
	mu        sync.Mutex
	byRequest map[string]map[string]GatewayResult
}

func NewResultStore() *ResultStore {
	return &ResultStore{byRequest: make(map[string]map[string]GatewayResult)}
}

// Deposit stores the result and reports whether it was first delivery.
func (s *ResultStore) Deposit(result GatewayResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	byBatch, ok := s.byRequest[result.RequestID]
	if !ok {
		byBatch = make(map[string]GatewayResult)
		s.byRequest[result.RequestID] = byBatch
	}
	if _, dup := byBatch[result.Key()]; dup {
		return false
	}
	byBatch[result.Key()] = result
	return true
}

// Count returns how many distinct batches answered for the request.
func (s *ResultStore) Count(requestID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byRequest[requestID])
}

// Results returns the collected results for the request.
func (s *ResultStore) Results(requestID string) []GatewayResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GatewayResult, 0, len(s.byRequest[requestID]))
	for _, r := range s.byRequest[requestID] {
		out = append(out, r)
	}
	return out
}

// Clear drops everything held for the request.
func (s *ResultStore) Clear(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRequest, requestID)
}
