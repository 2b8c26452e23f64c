package queue

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hie/gateway/internal/platform/concurrency"
)

// SystemMaxRedriveMessages caps a single redrive run. A negative
// maxMessages means "all", bounded by this cap.
const SystemMaxRedriveMessages = 100_000

const receiveBatchSize = 10

// Fingerprint derives the dedup key for a message. The default uses the
// message body; conversion-job DLQs override this to the s3FileName
// attribute so the same document failing twice counts once.
type Fingerprint func(Message) string

// BodyFingerprint is the default Fingerprint.
func BodyFingerprint(m Message) string { return m.Body }

// AttributeFingerprint dedups on a single message attribute, falling back
// to the body when the attribute is absent.
func AttributeFingerprint(name string) Fingerprint {
	return func(m Message) string {
		if v, ok := m.Attributes[name]; ok && v != "" {
			return v
		}
		return m.Body
	}
}

// RedriveSummary reports one redrive run.
type RedriveSummary struct {
	OriginalCount int `json:"originalCount"`
	UniqueCount   int `json:"uniqueCount"`
}

// PeekSummary reports the DLQ contents without draining it.
type PeekSummary struct {
	MessageCount int      `json:"messageCount"`
	First10Items []string `json:"first10Items"`
}

// Redriver drains a dead-letter queue back into the live queue,
// deduplicating by fingerprint. Messages are only deleted from the DLQ
// after their content has been forwarded; one bad message never blocks
// the rest of the batch.
type Redriver struct {
	queue       Queue
	dlqURL      string
	liveURL     string
	fingerprint Fingerprint
	parallelism int
	logger      zerolog.Logger
}

type RedriverOption func(*Redriver)

// WithFingerprint overrides the dedup key derivation.
func WithFingerprint(fp Fingerprint) RedriverOption {
	return func(r *Redriver) { r.fingerprint = fp }
}

// WithParallelism bounds concurrent republish operations.
func WithParallelism(n int) RedriverOption {
	return func(r *Redriver) { r.parallelism = n }
}

func NewRedriver(q Queue, dlqURL, liveURL string, logger zerolog.Logger, opts ...RedriverOption) *Redriver {
	r := &Redriver{
		queue:       q,
		dlqURL:      dlqURL,
		liveURL:     liveURL,
		fingerprint: BodyFingerprint,
		parallelism: 3,
		logger:      logger.With().Str("component", "redriver").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Redrive reads up to maxMessages from the DLQ (negative = all, capped at
// SystemMaxRedriveMessages), republishes unique messages to the live
// queue preserving attributes, and deletes forwarded messages from the
// DLQ. Duplicates of a forwarded fingerprint are deleted without being
// re-sent.
func (r *Redriver) Redrive(ctx context.Context, maxMessages int) (RedriveSummary, error) {
	if maxMessages < 0 || maxMessages > SystemMaxRedriveMessages {
		maxMessages = SystemMaxRedriveMessages
	}
	if maxMessages == 0 {
		return RedriveSummary{}, nil
	}

	var received []Message
	for len(received) < maxMessages {
		remaining := maxMessages - len(received)
		batchSize := receiveBatchSize
		if remaining < batchSize {
			batchSize = remaining
		}
		batch, err := r.queue.Receive(ctx, r.dlqURL, ReceiveOptions{
			MaxMessages: batchSize,
			// Long enough to finish forwarding before messages reappear.
			VisibilityTimeoutSeconds: 120,
		})
		if err != nil {
			return RedriveSummary{}, fmt.Errorf("receive from DLQ: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		received = append(received, batch...)
	}

	// First occurrence per fingerprint gets forwarded; the rest ride along
	// for deletion once that fingerprint is confirmed sent.
	unique := make([]Message, 0, len(received))
	duplicates := make(map[string][]Message)
	seen := make(map[string]bool)
	for _, m := range received {
		fp := r.fingerprint(m)
		if seen[fp] {
			duplicates[fp] = append(duplicates[fp], m)
			continue
		}
		seen[fp] = true
		unique = append(unique, m)
	}

	results := concurrency.ExecuteSettled(ctx, unique, r.parallelism, func(ctx context.Context, m Message) error {
		return r.queue.Send(ctx, r.liveURL, m.Body, m.Attributes)
	})

	var toDelete []Message
	for _, res := range results {
		if res.Err != nil {
			r.logger.Error().Err(res.Err).Str("message_id", res.Item.ID).Msg("failed to republish, leaving on DLQ")
			continue
		}
		toDelete = append(toDelete, res.Item)
		toDelete = append(toDelete, duplicates[r.fingerprint(res.Item)]...)
	}
	if err := r.queue.Delete(ctx, r.dlqURL, toDelete); err != nil {
		// Forwarded but not deleted: messages will reappear and dedup again
		// on the next run, so log rather than fail the summary.
		r.logger.Error().Err(err).Int("count", len(toDelete)).Msg("failed to delete forwarded messages from DLQ")
	}

	summary := RedriveSummary{OriginalCount: len(received), UniqueCount: len(unique)}
	r.logger.Info().
		Int("original_count", summary.OriginalCount).
		Int("unique_count", summary.UniqueCount).
		Msg("redrive complete")
	return summary, nil
}

// Peek reports the approximate queue depth and the first 10 message
// bodies without removing anything.
func (r *Redriver) Peek(ctx context.Context) (PeekSummary, error) {
	count, err := r.queue.ApproximateCount(ctx, r.dlqURL)
	if err != nil {
		return PeekSummary{}, fmt.Errorf("count DLQ messages: %w", err)
	}
	messages, err := r.queue.Receive(ctx, r.dlqURL, ReceiveOptions{
		MaxMessages: 10,
		// Minimal visibility so peeked messages return to the queue.
		VisibilityTimeoutSeconds: 1,
	})
	if err != nil {
		return PeekSummary{}, fmt.Errorf("peek DLQ messages: %w", err)
	}
	summary := PeekSummary{MessageCount: count, First10Items: []string{}}
	for _, m := range messages {
		summary.First10Items = append(summary.First10Items, m.Body)
	}
	return summary, nil
}
