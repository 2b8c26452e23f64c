package query

import (
	"fmt"
	"time"

	"github.com/hie/gateway/internal/domain/document"
	"github.com/hie/gateway/internal/gateway"
)

// DroppedGateway is the diagnostic for a gateway whose documents could
// not be requested. Its documents are tallied as errors, never silently
// retried.
type DroppedGateway struct {
	GatewayID string
	Reason    string
	Documents int
}

// Plan is the planner's output: one RetrievalRequest per gateway batch,
// plus the gateways that had to be dropped.
type Plan struct {
	Batches []gateway.RetrievalRequest
	Dropped []DroppedGateway
}

// PlannedDocuments is the number of documents covered by the batches.
func (p Plan) PlannedDocuments() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b.Documents)
	}
	return n
}

// DroppedDocuments is the number of documents lost to dropped gateways.
func (p Plan) DroppedDocuments() int {
	n := 0
	for _, d := range p.Dropped {
		n += d.Documents
	}
	return n
}

// Planner groups documents by their owning gateway and splits each group
// into batches honoring the gateway's per-request limit. Input document
// order is preserved within each gateway.
type Planner struct {
	directory gateway.Directory
	limits    *gateway.LimitTable
}

func NewPlanner(directory gateway.Directory, limits *gateway.LimitTable) *Planner {
	return &Planner{directory: directory, limits: limits}
}

func (p *Planner) Plan(requestID, cxID, patientID string, toDownload []document.Reference) Plan {
	type group struct {
		id   string
		docs []document.Reference
	}
	var order []string
	groups := map[string]*group{}
	var plan Plan

	for _, ref := range toDownload {
		if ref.HomeCommunityID == "" {
			plan.Dropped = append(plan.Dropped, DroppedGateway{
				GatewayID: "",
				Reason:    "document has no homeCommunityId",
				Documents: 1,
			})
			continue
		}
		g, ok := groups[ref.HomeCommunityID]
		if !ok {
			g = &group{id: ref.HomeCommunityID}
			groups[ref.HomeCommunityID] = g
			order = append(order, ref.HomeCommunityID)
		}
		g.docs = append(g.docs, ref)
	}

	now := time.Now().UTC()
	for _, id := range order {
		g := groups[id]
		entry, ok := p.directory.Lookup(g.id)
		if !ok || entry.RetrievalURL == "" {
			reason := "gateway not in directory"
			if ok {
				reason = "gateway has no retrieval url"
			}
			plan.Dropped = append(plan.Dropped, DroppedGateway{
				GatewayID: g.id,
				Reason:    reason,
				Documents: len(g.docs),
			})
			continue
		}

		limit := p.limits.LimitFor(g.id)
		// A gateway that fits in one batch keeps its own ID as the batch
		// ID, so answers that only echo the gateway still correlate.
		split := len(g.docs) > limit
		for start, seq := 0, 0; start < len(g.docs); start, seq = start+limit, seq+1 {
			end := start + limit
			if end > len(g.docs) {
				end = len(g.docs)
			}
			batchID := g.id
			if split {
				batchID = fmt.Sprintf("%s#%d", g.id, seq)
			}
			batch := gateway.RetrievalRequest{
				RequestID:    requestID,
				BatchID:      batchID,
				CxID:         cxID,
				PatientID:    patientID,
				GatewayID:    g.id,
				RetrievalURL: entry.RetrievalURL,
				SentAt:       now,
			}
			for _, ref := range g.docs[start:end] {
				batch.Documents = append(batch.Documents, gateway.DocumentRequest{
					ID:              ref.ID,
					ExternalID:      ref.ExternalID,
					HomeCommunityID: ref.HomeCommunityID,
					URL:             ref.URL,
					ContentType:     ref.ContentType,
				})
			}
			plan.Batches = append(plan.Batches, batch)
		}
	}
	return plan
}
