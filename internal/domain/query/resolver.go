// Package query orchestrates federated document discovery, retrieval and
// conversion: resolving which candidates are genuinely new, planning
// per-gateway batches, dispatching them, correlating asynchronous partial
// results back onto the progress aggregate, and triggering downstream
// conversion.
package query

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/hie/gateway/internal/domain/document"
	"github.com/hie/gateway/internal/platform/concurrency"
	"github.com/hie/gateway/internal/platform/fhirserver"
	"github.com/hie/gateway/internal/platform/storage"
)

// CheckFailure records one candidate whose existence check threw. The
// candidate is still downloaded; the failure is surfaced for monitoring.
type CheckFailure struct {
	DocumentID string
	Err        error
}

// Resolution partitions candidates into those needing download and those
// already fully present.
type Resolution struct {
	ToDownload []document.Reference
	Existing   []document.Reference
	Failures   []CheckFailure
}

// Resolver decides which candidate references need downloading. A
// candidate is skipped only when both object storage and the FHIR server
// confirm presence; present-in-storage but missing-from-FHIR still
// downloads, because the document must be re-indexed. Any check failure
// conservatively treats the candidate as absent.
type Resolver struct {
	store       storage.ObjectStore
	fhir        fhirserver.Client
	parallelism int
	logger      zerolog.Logger
}

func NewResolver(store storage.ObjectStore, fhir fhirserver.Client, parallelism int, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:       store,
		fhir:        fhir,
		parallelism: parallelism,
		logger:      logger.With().Str("component", "resolver").Logger(),
	}
}

func (r *Resolver) Resolve(ctx context.Context, cxID, patientID string, candidates []document.Reference) Resolution {
	if len(candidates) == 0 {
		return Resolution{}
	}

	indexed := r.indexedIDs(ctx, cxID, patientID, candidates)

	type check struct {
		ref      document.Reference
		inStore  bool
		checkErr error
	}
	checks := make([]*check, len(candidates))
	for i, ref := range candidates {
		checks[i] = &check{ref: ref}
	}

	concurrency.ExecuteSettled(ctx, checks, r.parallelism, func(ctx context.Context, c *check) error {
		key := storage.DocumentKeyWithExtension(cxID, patientID, c.ref.ID, c.ref.ContentType)
		info, err := r.store.Exists(ctx, key)
		if err != nil {
			c.checkErr = err
			return err
		}
		c.inStore = info.Exists
		return nil
	})

	var res Resolution
	for _, c := range checks {
		if c.checkErr != nil {
			r.logger.Warn().Err(c.checkErr).
				Str("patient_id", patientID).
				Str("document_id", c.ref.ID).
				Msg("storage existence check failed, treating document as new")
			res.Failures = append(res.Failures, CheckFailure{DocumentID: c.ref.ID, Err: c.checkErr})
			res.ToDownload = append(res.ToDownload, c.ref)
			continue
		}
		if c.inStore && indexed[c.ref.ID] {
			res.Existing = append(res.Existing, c.ref)
			continue
		}
		res.ToDownload = append(res.ToDownload, c.ref)
	}
	return res
}

// indexedIDs returns the set of candidate IDs the FHIR server already
// knows. A search failure yields an empty set: every candidate is then
// treated as unindexed and re-downloaded.
func (r *Resolver) indexedIDs(ctx context.Context, cxID, patientID string, candidates []document.Reference) map[string]bool {
	ids := make([]string, len(candidates))
	for i, ref := range candidates {
		ids[i] = ref.ID
	}
	refs, err := r.fhir.SearchDocumentReferences(ctx, cxID, patientID, ids)
	if err != nil {
		r.logger.Warn().Err(err).
			Str("patient_id", patientID).
			Int("candidates", len(ids)).
			Msg("resource-server search failed, treating all candidates as unindexed")
		return map[string]bool{}
	}
	indexed := make(map[string]bool, len(refs))
	for _, ref := range refs {
		indexed[ref.ID] = true
	}
	return indexed
}
