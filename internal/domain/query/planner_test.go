package query

import (
	"fmt"
	"testing"

	"github.com/hie/gateway/internal/domain/document"
	"github.com/hie/gateway/internal/gateway"
)

func testDirectory() *gateway.StaticDirectory {
	return gateway.NewStaticDirectory(
		gateway.Entry{ID: "1.1", QueryURL: "https://gw1/dq", RetrievalURL: "https://gw1/dr"},
		gateway.Entry{ID: "2.2", QueryURL: "https://gw2/dq", RetrievalURL: "https://gw2/dr"},
		gateway.Entry{ID: "3.3", QueryURL: "https://gw3/dq"}, // no retrieval URL
	)
}

func docsForGateway(gwID string, n int) []document.Reference {
	docs := make([]document.Reference, n)
	for i := range docs {
		docs[i] = document.Reference{
			ID:              fmt.Sprintf("%s-doc-%d", gwID, i),
			ExternalID:      fmt.Sprintf("%s-ext-%d", gwID, i),
			HomeCommunityID: gwID,
			ContentType:     "application/xml",
		}
	}
	return docs
}

func TestPlanRespectsSingleDocumentLimit(t *testing.T) {
	limits := gateway.NewLimitTable(gateway.WithGatewayLimit("1.1", 1))
	p := NewPlanner(testDirectory(), limits)

	plan := p.Plan("req1", "cx1", "pt1", docsForGateway("1.1", 5))
	if len(plan.Batches) != 5 {
		t.Fatalf("limit 1 with 5 documents must produce 5 batches, got %d", len(plan.Batches))
	}
	for i, b := range plan.Batches {
		if len(b.Documents) != 1 {
			t.Fatalf("batch %d has %d documents, want 1", i, len(b.Documents))
		}
		if b.Documents[0].ID != fmt.Sprintf("1.1-doc-%d", i) {
			t.Fatalf("batch %d out of order: %s", i, b.Documents[0].ID)
		}
	}
}

func TestPlanGroupsByGatewayAndSplits(t *testing.T) {
	limits := gateway.NewLimitTable(gateway.WithDefaultLimit(2))
	p := NewPlanner(testDirectory(), limits)

	docs := append(docsForGateway("1.1", 3), docsForGateway("2.2", 2)...)
	plan := p.Plan("req1", "cx1", "pt1", docs)

	// 1.1: 3 docs at limit 2 -> 2 batches; 2.2: 2 docs -> 1 batch.
	if len(plan.Batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(plan.Batches))
	}
	if plan.Batches[0].GatewayID != "1.1" || plan.Batches[2].GatewayID != "2.2" {
		t.Fatalf("batches out of gateway order: %+v", plan.Batches)
	}
	if plan.Batches[2].RetrievalURL != "https://gw2/dr" {
		t.Fatalf("wrong retrieval url: %s", plan.Batches[2].RetrievalURL)
	}

	// Every document appears in exactly one batch.
	seen := map[string]int{}
	for _, b := range plan.Batches {
		for _, d := range b.Documents {
			seen[d.ID]++
		}
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 distinct documents, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("document %s appears %d times", id, n)
		}
	}
}

func TestPlanDropsUnresolvableGateways(t *testing.T) {
	limits := gateway.NewLimitTable()
	p := NewPlanner(testDirectory(), limits)

	docs := append(docsForGateway("9.9", 2), docsForGateway("3.3", 1)...)
	docs = append(docs, document.Reference{ID: "no-hcid", ExternalID: "ext"})
	plan := p.Plan("req1", "cx1", "pt1", docs)

	if len(plan.Batches) != 0 {
		t.Fatalf("expected no batches, got %d", len(plan.Batches))
	}
	if len(plan.Dropped) != 3 {
		t.Fatalf("expected 3 dropped diagnostics, got %+v", plan.Dropped)
	}
	if plan.DroppedDocuments() != 4 {
		t.Fatalf("expected 4 dropped documents, got %d", plan.DroppedDocuments())
	}
}

func TestPlanAssignsDistinctBatchIDs(t *testing.T) {
	limits := gateway.NewLimitTable(gateway.WithDefaultLimit(2))
	p := NewPlanner(testDirectory(), limits)

	docs := append(docsForGateway("1.1", 3), docsForGateway("2.2", 1)...)
	plan := p.Plan("req1", "cx1", "pt1", docs)

	// 1.1 splits into two batches; each carries its own correlation ID so
	// the gateway's answers can be told apart.
	if len(plan.Batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(plan.Batches))
	}
	seen := map[string]bool{}
	for _, b := range plan.Batches {
		if b.BatchID == "" {
			t.Fatalf("batch for %s has no batch ID", b.GatewayID)
		}
		if seen[b.BatchID] {
			t.Fatalf("duplicate batch ID %s", b.BatchID)
		}
		seen[b.BatchID] = true
	}
	if plan.Batches[0].BatchID == plan.Batches[1].BatchID {
		t.Fatal("same gateway's batches must differ in batch ID")
	}
	// 2.2 fits in one batch and keeps its gateway ID, so answers that
	// only carry the gateway ID still correlate.
	if plan.Batches[2].BatchID != "2.2" {
		t.Fatalf("single-batch gateway must use its gateway ID, got %s", plan.Batches[2].BatchID)
	}
	if plan.PlannedDocuments() != 4 {
		t.Fatalf("expected 4 planned documents, got %d", plan.PlannedDocuments())
	}
}
