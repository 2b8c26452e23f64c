package query

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hie/gateway/internal/domain/document"
	"github.com/hie/gateway/internal/domain/progress"
	"github.com/hie/gateway/internal/gateway"
	"github.com/hie/gateway/internal/platform/concurrency"
	"github.com/hie/gateway/internal/platform/events"
	"github.com/hie/gateway/internal/platform/fhirserver"
	"github.com/hie/gateway/internal/platform/storage"
)

// Candidate is one document reference as reported by a gateway's
// discovery response, before it is mapped to a stable internal ID.
type Candidate struct {
	ExternalID      string `json:"externalId"`
	HomeCommunityID string `json:"homeCommunityId"`
	ContentType     string `json:"contentType"`
	Size            int64  `json:"size"`
	URL             string `json:"url"`
	Description     string `json:"description"`
	IsNew           bool   `json:"isNew"`
}

// DiscoveryChecker reports whether patient discovery is still running
// for a patient; queries arriving meanwhile are parked.
type DiscoveryChecker interface {
	Discovering(ctx context.Context, cxID, patientID string) (bool, error)
}

// LinkProvider returns the home community IDs a patient is linked to.
type LinkProvider interface {
	Links(ctx context.Context, cxID, patientID string) ([]string, error)
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Mappings  document.MappingRepository
	Resolver  *Resolver
	Planner   *Planner
	Gateways  gateway.Client
	Directory gateway.Directory
	FHIR      fhirserver.Client
	Repo      progress.Repository
	Tallier   *progress.Tallier
	Notifier  *progress.Notifier
	Converter *Converter
	Results   *ResultStore
	Poller    *Poller
	Schedule  *ScheduleStore
	Discovery DiscoveryChecker
	Links     LinkProvider
	Bus       events.Publisher
	Logger    zerolog.Logger
}

// Orchestrator drives the discovery -> resolution -> batching -> dispatch
// -> tally -> conversion pipeline for one logical request at a time per
// patient per source.
type Orchestrator struct {
	deps   Deps
	logger zerolog.Logger
	wg     sync.WaitGroup
}

func NewOrchestrator(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Close waits for in-flight background result processing to finish.
func (o *Orchestrator) Close() {
	o.wg.Wait()
}

// GetProgress returns the patient's aggregate for the source.
func (o *Orchestrator) GetProgress(ctx context.Context, key progress.Key) (*progress.Progress, error) {
	return o.deps.Repo.Get(ctx, key)
}

// StartDocumentQuery begins a new request epoch and asks every linked
// gateway to enumerate the patient's documents. When patient discovery
// is still running the query is parked instead and replayed once
// discovery settles; the second return value reports that case.
func (o *Orchestrator) StartDocumentQuery(ctx context.Context, key progress.Key) (*progress.Progress, bool, error) {
	discovering, err := o.deps.Discovery.Discovering(ctx, key.CxID, key.PatientID)
	if err != nil {
		return nil, false, fmt.Errorf("check patient discovery: %w", err)
	}
	if discovering {
		o.deps.Schedule.Park(ScheduledQuery{CxID: key.CxID, PatientID: key.PatientID, Source: key.Source})
		o.deps.Bus.Publish(events.Event{
			Kind:      events.KindQueryScheduled,
			CxID:      key.CxID,
			PatientID: key.PatientID,
			Source:    string(key.Source),
		})
		o.logger.Info().
			Str("patient_id", key.PatientID).
			Msg("patient discovery in progress, query parked")
		p, err := o.deps.Repo.Get(ctx, key)
		if err != nil {
			return nil, true, nil
		}
		return p, true, nil
	}

	// The previous epoch, if any, will never tally another conversion;
	// drop its completion markers.
	if prev, err := o.deps.Repo.Get(ctx, key); err == nil {
		o.deps.Converter.Forget(prev.RequestID)
	}

	requestID := uuid.NewString()
	p, err := o.deps.Repo.StartRequest(ctx, key, requestID)
	if err != nil {
		return nil, false, fmt.Errorf("start request epoch: %w", err)
	}
	o.deps.Bus.Publish(events.Event{
		Kind:      events.KindQueryStarted,
		CxID:      key.CxID,
		PatientID: key.PatientID,
		RequestID: requestID,
		Source:    string(key.Source),
	})

	links, err := o.deps.Links.Links(ctx, key.CxID, key.PatientID)
	if err != nil {
		return nil, false, o.failRequest(ctx, key, requestID, fmt.Errorf("resolve patient links: %w", err))
	}

	var requests []gateway.QueryRequest
	for _, gwID := range links {
		entry, ok := o.deps.Directory.Lookup(gwID)
		if !ok || entry.QueryURL == "" {
			o.logger.Warn().
				Str("patient_id", key.PatientID).
				Str("gateway", gwID).
				Msg("linked gateway has no query endpoint, skipping")
			continue
		}
		requests = append(requests, gateway.QueryRequest{
			RequestID: requestID,
			CxID:      key.CxID,
			PatientID: key.PatientID,
			GatewayID: gwID,
			QueryURL:  entry.QueryURL,
		})
	}
	if len(requests) == 0 {
		// Nothing to query: both phases complete trivially.
		o.finalizePhase(ctx, key, requestID, progress.PhaseDownload)
		o.finalizePhase(ctx, key, requestID, progress.PhaseConvert)
		if finalized, err := o.deps.Repo.Get(ctx, key); err == nil {
			return finalized, false, nil
		}
		return p, false, nil
	}
	if err := o.deps.Gateways.StartDocumentsQuery(ctx, requests); err != nil {
		return nil, false, o.failRequest(ctx, key, requestID, fmt.Errorf("dispatch document query: %w", err))
	}
	return p, false, nil
}

// failRequest marks the download phase failed for a request that could
// not be meaningfully attempted, fires the failure webhook, and returns
// the original error for the caller to surface.
func (o *Orchestrator) failRequest(ctx context.Context, key progress.Key, requestID string, cause error) error {
	o.logger.Error().Err(cause).
		Str("patient_id", key.PatientID).
		Str("request_id", requestID).
		Msg("document query failed before dispatch")
	if _, err := o.deps.Repo.AdjustTotal(ctx, key, requestID, progress.PhaseDownload, 1); err != nil {
		return cause
	}
	p, err := o.deps.Tallier.Apply(ctx, key, requestID, progress.PhaseDownload, progress.Delta{Errors: 1})
	if err != nil {
		return cause
	}
	o.deps.Notifier.MaybeNotify(ctx, p, progress.PhaseDownload)
	o.finalizePhase(ctx, key, requestID, progress.PhaseConvert)
	return cause
}

// finalizePhase settles a phase whose expected total is final and fires
// the completion webhook if that made it terminal.
func (o *Orchestrator) finalizePhase(ctx context.Context, key progress.Key, requestID string, phase progress.Phase) {
	p, err := o.deps.Repo.FinalizePhase(ctx, key, requestID, phase)
	if err != nil {
		return
	}
	o.deps.Notifier.MaybeNotify(ctx, p, phase)
}

// HandleDiscoveryResults ingests the candidate documents a discovery
// round produced, resolves which are genuinely new, indexes them as
// preliminary, plans per-gateway batches and dispatches them, then hands
// off to the background poller that correlates the async answers.
func (o *Orchestrator) HandleDiscoveryResults(ctx context.Context, key progress.Key, requestID string, candidates []Candidate) error {
	current, err := o.deps.Repo.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}
	if current.RequestID != requestID {
		o.logger.Warn().
			Str("patient_id", key.PatientID).
			Str("request_id", requestID).
			Msg("discovery results for superseded request dropped")
		return nil
	}

	refs, mappingFailures := o.mapCandidates(ctx, key, candidates)
	res := o.deps.Resolver.Resolve(ctx, key.CxID, key.PatientID, refs)
	o.indexPreliminary(ctx, key, res.ToDownload)

	plan := o.deps.Planner.Plan(requestID, key.CxID, key.PatientID, res.ToDownload)
	for _, d := range plan.Dropped {
		o.logger.Warn().
			Str("patient_id", key.PatientID).
			Str("gateway", d.GatewayID).
			Str("reason", d.Reason).
			Int("documents", d.Documents).
			Msg("gateway dropped from retrieval plan")
	}

	total := plan.PlannedDocuments() + plan.DroppedDocuments() + mappingFailures
	if total == 0 {
		// Nothing to download: finalize both phases.
		o.finalizePhase(ctx, key, requestID, progress.PhaseDownload)
		o.finalizePhase(ctx, key, requestID, progress.PhaseConvert)
		return nil
	}
	if _, err := o.deps.Repo.AdjustTotal(ctx, key, requestID, progress.PhaseDownload, total); err != nil {
		return fmt.Errorf("set download total: %w", err)
	}

	// The convert total covers every convertible document being dispatched.
	// It is final from here on, only adjusted downward as batches fail or
	// documents turn out non-convertible, so the convert phase can never
	// read completed while more convertible downloads are still inbound.
	convertibleIDs := make(map[string]bool)
	for _, ref := range res.ToDownload {
		if ref.IsNew && ref.IsConvertible() {
			convertibleIDs[ref.ID] = true
		}
	}
	expectedConvert := 0
	for _, b := range plan.Batches {
		expectedConvert += countConvertible(b, convertibleIDs)
	}
	if expectedConvert > 0 {
		if _, err := o.deps.Repo.AdjustTotal(ctx, key, requestID, progress.PhaseConvert, expectedConvert); err != nil {
			return fmt.Errorf("set convert total: %w", err)
		}
	}

	if n := plan.DroppedDocuments() + mappingFailures; n > 0 {
		if p, err := o.deps.Tallier.Apply(ctx, key, requestID, progress.PhaseDownload, progress.Delta{Errors: n}); err == nil {
			o.deps.Notifier.MaybeNotify(ctx, p, progress.PhaseDownload)
		}
	}

	dispatched := o.dispatch(ctx, key, requestID, plan.Batches, convertibleIDs)
	if len(dispatched) == 0 {
		// Every batch failed to dispatch (or none existed); the download
		// tally already reflects it and nothing is left to convert.
		o.finalizePhase(ctx, key, requestID, progress.PhaseConvert)
		return nil
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.awaitResults(context.Background(), key, requestID, dispatched, convertibleIDs)
	}()
	return nil
}

// countConvertible is the number of a batch's documents expected to need
// conversion once downloaded.
func countConvertible(batch gateway.RetrievalRequest, convertibleIDs map[string]bool) int {
	n := 0
	for _, d := range batch.Documents {
		if convertibleIDs[d.ID] {
			n++
		}
	}
	return n
}

// mapCandidates assigns each candidate its stable internal ID. A mapping
// failure drops the candidate from the pipeline; the caller accounts it
// as a download error.
func (o *Orchestrator) mapCandidates(ctx context.Context, key progress.Key, candidates []Candidate) ([]document.Reference, int) {
	refs := make([]document.Reference, 0, len(candidates))
	failures := 0
	for _, c := range candidates {
		id, err := o.deps.Mappings.FindOrCreateID(ctx, document.MappingKey{
			CxID:       key.CxID,
			PatientID:  key.PatientID,
			Source:     key.Source,
			ExternalID: c.ExternalID,
		})
		if err != nil {
			o.logger.Error().Err(err).
				Str("patient_id", key.PatientID).
				Str("external_id", c.ExternalID).
				Msg("stable-ID mapping failed")
			failures++
			continue
		}
		refs = append(refs, document.Reference{
			ID:              id,
			ExternalID:      c.ExternalID,
			CxID:            key.CxID,
			PatientID:       key.PatientID,
			Source:          key.Source,
			HomeCommunityID: c.HomeCommunityID,
			ContentType:     c.ContentType,
			Size:            c.Size,
			URL:             c.URL,
			Description:     c.Description,
			IsNew:           c.IsNew,
		})
	}
	return refs, failures
}

// indexPreliminary upserts the to-download references to the FHIR server
// with preliminary status, so consumers can see them before content
// arrives. Failure is logged only; retrieval proceeds regardless.
func (o *Orchestrator) indexPreliminary(ctx context.Context, key progress.Key, refs []document.Reference) {
	if len(refs) == 0 {
		return
	}
	fhirRefs := make([]fhirserver.DocumentReference, 0, len(refs))
	for _, ref := range refs {
		fhirRefs = append(fhirRefs, fhirserver.DocumentReference{
			ResourceType: "DocumentReference",
			ID:           ref.ID,
			Status:       "current",
			DocStatus:    "preliminary",
			Description:  ref.Description,
			Subject:      fhirserver.Reference{Reference: "Patient/" + ref.PatientID},
			Content:      []fhirserver.Attachment{{ContentType: ref.ContentType, Size: ref.Size}},
		})
	}
	if err := o.deps.FHIR.ExecuteTransaction(ctx, key.CxID, fhirserver.NewTransactionBundle(fhirRefs)); err != nil {
		o.logger.Warn().Err(err).
			Str("patient_id", key.PatientID).
			Int("documents", len(refs)).
			Msg("preliminary indexing failed")
	}
}

// dispatch fires each batch independently; one gateway's failure never
// blocks its siblings. A failed batch's documents are tallied as download
// errors and its expected conversions are removed from the convert total.
// It returns the batches that actually went out.
func (o *Orchestrator) dispatch(ctx context.Context, key progress.Key, requestID string, batches []gateway.RetrievalRequest, convertibleIDs map[string]bool) []gateway.RetrievalRequest {
	results := concurrency.ExecuteSettled(ctx, batches, concurrency.DefaultParallelism, func(ctx context.Context, b gateway.RetrievalRequest) error {
		return o.deps.Gateways.StartDocumentsRetrieval(ctx, []gateway.RetrievalRequest{b})
	})

	var dispatched []gateway.RetrievalRequest
	for _, r := range results {
		if r.Err != nil {
			o.logger.Error().Err(r.Err).
				Str("patient_id", key.PatientID).
				Str("gateway", r.Item.GatewayID).
				Str("batch", r.Item.BatchID).
				Int("documents", len(r.Item.Documents)).
				Msg("retrieval dispatch failed")
			if n := countConvertible(r.Item, convertibleIDs); n > 0 {
				o.deps.Repo.AdjustTotal(ctx, key, requestID, progress.PhaseConvert, -n)
			}
			if p, err := o.deps.Tallier.Apply(ctx, key, requestID, progress.PhaseDownload, progress.Delta{Errors: len(r.Item.Documents)}); err == nil {
				o.deps.Notifier.MaybeNotify(ctx, p, progress.PhaseDownload)
			}
			continue
		}
		dispatched = append(dispatched, r.Item)
	}
	return dispatched
}

// awaitResults waits for every dispatched batch to be answered, tallies
// each answer exactly once, finalizes missing batches as errors at
// timeout, attaches content to the FHIR index, and triggers conversion
// of the convertible downloads.
func (o *Orchestrator) awaitResults(ctx context.Context, key progress.Key, requestID string, batches []gateway.RetrievalRequest, convertibleIDs map[string]bool) {
	byBatch := make(map[string]gateway.RetrievalRequest, len(batches))
	batchIDs := make([]string, 0, len(batches))
	for _, b := range batches {
		byBatch[b.BatchID] = b
		batchIDs = append(batchIDs, b.BatchID)
	}
	results, missing := o.deps.Poller.Await(ctx, requestID, batchIDs)

	for _, result := range results {
		expectedDocs := len(result.Documents)
		expectedConvertible := 0
		if b, ok := byBatch[result.Key()]; ok {
			expectedDocs = len(b.Documents)
			expectedConvertible = countConvertible(b, convertibleIDs)
		}
		o.processGatewayResult(ctx, key, requestID, result, expectedDocs, expectedConvertible)
	}
	for _, batchID := range missing {
		b := byBatch[batchID]
		o.logger.Warn().
			Str("patient_id", key.PatientID).
			Str("request_id", requestID).
			Str("gateway", b.GatewayID).
			Str("batch", batchID).
			Int("documents", len(b.Documents)).
			Msg("batch never answered, tallying its documents as errors")
		if n := countConvertible(b, convertibleIDs); n > 0 {
			o.deps.Repo.AdjustTotal(ctx, key, requestID, progress.PhaseConvert, -n)
		}
		if p, err := o.deps.Tallier.Apply(ctx, key, requestID, progress.PhaseDownload, progress.Delta{Errors: len(b.Documents)}); err == nil {
			o.deps.Notifier.MaybeNotify(ctx, p, progress.PhaseDownload)
		}
	}

	// Every batch is settled, so the convert total is final; a request
	// with nothing left to convert completes the phase here.
	o.finalizePhase(ctx, key, requestID, progress.PhaseConvert)
	o.deps.Results.Clear(requestID)
}

func (o *Orchestrator) processGatewayResult(ctx context.Context, key progress.Key, requestID string, result GatewayResult, expectedDocs, expectedConvertible int) {
	succeeded := len(result.Documents)
	errors := len(result.Issues)
	if short := expectedDocs - succeeded; short > errors {
		// Documents the gateway neither returned nor reported on.
		errors = short
	}

	o.finalizeIndexed(ctx, key, result.Documents)

	// Only freshly fetched documents are converted: a gateway-cached copy
	// (isNew false) has been through the pipeline before.
	var convertible []document.Reference
	for _, ref := range result.Documents {
		if ref.IsNew && ref.IsConvertible() {
			convertible = append(convertible, ref)
		}
	}
	// Reconcile the upfront convert expectation with what the batch really
	// delivered, before enqueueing, so the total always covers every job
	// in flight.
	if diff := len(convertible) - expectedConvertible; diff != 0 {
		o.deps.Repo.AdjustTotal(ctx, key, requestID, progress.PhaseConvert, diff)
	}
	if len(convertible) > 0 {
		o.deps.Converter.EnqueueAll(ctx, key, requestID, convertible)
	}

	p, err := o.deps.Tallier.Apply(ctx, key, requestID, progress.PhaseDownload, progress.Delta{Successful: succeeded, Errors: errors})
	if err != nil {
		return
	}
	o.deps.Notifier.MaybeNotify(ctx, p, progress.PhaseDownload)
}

// finalizeIndexed flips the downloaded references to final status with
// their stored content attached.
func (o *Orchestrator) finalizeIndexed(ctx context.Context, key progress.Key, refs []document.Reference) {
	if len(refs) == 0 {
		return
	}
	fhirRefs := make([]fhirserver.DocumentReference, 0, len(refs))
	for _, ref := range refs {
		fhirRefs = append(fhirRefs, fhirserver.DocumentReference{
			ResourceType: "DocumentReference",
			ID:           ref.ID,
			Status:       "current",
			DocStatus:    "final",
			Description:  ref.Description,
			Subject:      fhirserver.Reference{Reference: "Patient/" + ref.PatientID},
			Content: []fhirserver.Attachment{{
				ContentType: ref.ContentType,
				Size:        ref.Size,
				URL:         storage.DocumentKeyWithExtension(key.CxID, key.PatientID, ref.ID, ref.ContentType),
			}},
		})
	}
	if err := o.deps.FHIR.ExecuteTransaction(ctx, key.CxID, fhirserver.NewTransactionBundle(fhirRefs)); err != nil {
		o.logger.Warn().Err(err).
			Str("patient_id", key.PatientID).
			Int("documents", len(refs)).
			Msg("final indexing failed")
	}
}

// HandleRetrievalResult deposits one batch's asynchronous answer.
// Redelivery of the same batch's result is a no-op.
func (o *Orchestrator) HandleRetrievalResult(result GatewayResult) bool {
	first := o.deps.Results.Deposit(result)
	if !first {
		o.logger.Debug().
			Str("request_id", result.RequestID).
			Str("gateway", result.GatewayID).
			Str("batch", result.BatchID).
			Msg("duplicate batch result dropped")
	}
	return first
}

// HandleConversionResult tallies one conversion job's outcome.
func (o *Orchestrator) HandleConversionResult(ctx context.Context, key progress.Key, requestID, jobID string, succeeded bool) error {
	return o.deps.Converter.HandleCompletion(ctx, key, requestID, jobID, succeeded)
}

// HandleDiscoverySettled replays queries parked while patient discovery
// was running.
func (o *Orchestrator) HandleDiscoverySettled(ctx context.Context, cxID, patientID string) error {
	o.deps.Bus.Publish(events.Event{
		Kind:      events.KindPatientReplaced,
		CxID:      cxID,
		PatientID: patientID,
	})
	parked := o.deps.Schedule.Take(cxID, patientID)
	for _, q := range parked {
		key := progress.Key{CxID: q.CxID, PatientID: q.PatientID, Source: q.Source}
		if _, _, err := o.StartDocumentQuery(ctx, key); err != nil {
			o.logger.Error().Err(err).
				Str("patient_id", patientID).
				Str("source", string(q.Source)).
				Msg("replaying parked document query failed")
		}
	}
	return nil
}
