package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hie/gateway/internal/domain/document"
	"github.com/hie/gateway/internal/domain/progress"
	"github.com/hie/gateway/internal/platform/concurrency"
	"github.com/hie/gateway/internal/platform/queue"
	"github.com/hie/gateway/internal/platform/storage"
)

// ConversionJob is the message the conversion worker consumes.
type ConversionJob struct {
	JobID       string          `json:"jobId"`
	RequestID   string          `json:"requestId"`
	CxID        string          `json:"cxId"`
	PatientID   string          `json:"patientId"`
	Source      document.Source `json:"source"`
	DocumentID  string          `json:"documentId"`
	FileName    string          `json:"s3FileName"`
	ContentType string          `json:"contentType"`
}

// ConversionJobID derives the deterministic job ID for a document within
// a request. Redispatching the same document under the same request
// yields the same ID, so completion callbacks can be deduplicated.
func ConversionJobID(requestID, documentID string) string {
	sum := sha256.Sum256([]byte(requestID + "|" + documentID))
	return hex.EncodeToString(sum[:16])
}

// Converter enqueues conversion jobs for downloaded convertible
// documents and accounts their completions on the convert tally, at most
// once per job.
type Converter struct {
	queue       queue.Queue
	queueURL    string
	tallier     *progress.Tallier
	notifier    *progress.Notifier
	parallelism int
	logger      zerolog.Logger

	mu   sync.Mutex
	done map[string]map[string]bool // requestID -> jobIDs already tallied
}

func NewConverter(q queue.Queue, queueURL string, tallier *progress.Tallier, notifier *progress.Notifier, parallelism int, logger zerolog.Logger) *Converter {
	return &Converter{
		queue:       q,
		queueURL:    queueURL,
		tallier:     tallier,
		notifier:    notifier,
		parallelism: parallelism,
		logger:      logger.With().Str("component", "converter").Logger(),
		done:        make(map[string]map[string]bool),
	}
}

// Forget drops the completion markers held for a request. Called when a
// new epoch supersedes it; the epoch check already rejects any straggler
// completions, so the markers only waste memory past that point.
func (c *Converter) Forget(requestID string) {
	c.mu.Lock()
	delete(c.done, requestID)
	c.mu.Unlock()
}

// EnqueueAll sends one conversion job per document with bounded
// parallelism. A failed enqueue counts as a convert error for that
// document; siblings are unaffected. The convert-phase total must
// already cover these documents.
func (c *Converter) EnqueueAll(ctx context.Context, key progress.Key, requestID string, docs []document.Reference) {
	if len(docs) == 0 {
		return
	}
	startedAt := time.Now().UTC().Format(time.RFC3339)
	results := concurrency.ExecuteSettled(ctx, docs, c.parallelism, func(ctx context.Context, ref document.Reference) error {
		job := ConversionJob{
			JobID:       ConversionJobID(requestID, ref.ID),
			RequestID:   requestID,
			CxID:        key.CxID,
			PatientID:   key.PatientID,
			Source:      key.Source,
			DocumentID:  ref.ID,
			FileName:    storage.DocumentKeyWithExtension(key.CxID, key.PatientID, ref.ID, ref.ContentType),
			ContentType: ref.ContentType,
		}
		body, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal conversion job: %w", err)
		}
		return c.queue.Send(ctx, c.queueURL, string(body), map[string]string{
			"cxId":       key.CxID,
			"patientId":  key.PatientID,
			"jobId":      job.JobID,
			"startedAt":  startedAt,
			"s3FileName": job.FileName,
		})
	})

	for _, r := range concurrency.Failed(results) {
		c.logger.Error().Err(r.Err).
			Str("patient_id", key.PatientID).
			Str("document_id", r.Item.ID).
			Msg("conversion job enqueue failed")
		if p, err := c.tallier.Apply(ctx, key, requestID, progress.PhaseConvert, progress.Delta{Errors: 1}); err == nil {
			c.notifier.MaybeNotify(ctx, p, progress.PhaseConvert)
		}
	}
}

// HandleCompletion tallies one conversion outcome. Redelivered
// completions for the same job are dropped, keeping the convert tally
// at-most-once per document.
func (c *Converter) HandleCompletion(ctx context.Context, key progress.Key, requestID, jobID string, succeeded bool) error {
	c.mu.Lock()
	jobs, ok := c.done[requestID]
	if !ok {
		jobs = make(map[string]bool)
		c.done[requestID] = jobs
	}
	if jobs[jobID] {
		c.mu.Unlock()
		c.logger.Debug().Str("job_id", jobID).Msg("duplicate conversion completion dropped")
		return nil
	}
	jobs[jobID] = true
	c.mu.Unlock()

	delta := progress.Delta{Successful: 1}
	if !succeeded {
		delta = progress.Delta{Errors: 1}
	}
	p, err := c.tallier.Apply(ctx, key, requestID, progress.PhaseConvert, delta)
	if err != nil {
		// A superseded epoch will never tally again; its markers can go.
		if errors.Is(err, progress.ErrStaleRequest) {
			c.Forget(requestID)
		}
		return err
	}
	c.notifier.MaybeNotify(ctx, p, progress.PhaseConvert)
	return nil
}
