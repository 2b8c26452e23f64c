// Package queue wraps the message-queue system used for conversion jobs
// and operational remediation. It defines the Queue interface, an
// SQS-backed implementation, an in-memory implementation for tests, and
// the DLQ redrive/dedup utility.
package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Message is one queue message with its string attributes. Attributes
// carry tracing metadata (cxId, patientId, jobId, startedAt).
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
	Attributes    map[string]string
}

// ReceiveOptions tunes a Receive call.
type ReceiveOptions struct {
	MaxMessages int
	// VisibilityTimeoutSeconds controls how long received messages stay
	// hidden from other consumers. Peek uses 1 so messages return to the
	// queue almost immediately.
	VisibilityTimeoutSeconds int
	WaitTimeSeconds          int
}

// Queue is the narrow contract consumed by the conversion trigger and the
// redrive utility.
type Queue interface {
	Send(ctx context.Context, queueURL, body string, attributes map[string]string) error
	// Receive reads messages without removing them; callers must Delete
	// once the message is fully handled.
	Receive(ctx context.Context, queueURL string, opts ReceiveOptions) ([]Message, error)
	Delete(ctx context.Context, queueURL string, messages []Message) error
	// ApproximateCount returns the approximate number of visible messages,
	// or -1 when unavailable.
	ApproximateCount(ctx context.Context, queueURL string) (int, error)
}

// ---------------------------------------------------------------------------
// InMemoryQueue
// ---------------------------------------------------------------------------

// InMemoryQueue is a thread-safe, multi-queue fake. Receive hides
// messages until Delete or Requeue, mirroring visibility timeouts.
type InMemoryQueue struct {
	mu       sync.Mutex
	visible  map[string][]Message
	inFlight map[string]map[string]Message // queueURL -> receiptHandle -> message
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		visible:  make(map[string][]Message),
		inFlight: make(map[string]map[string]Message),
	}
}

func (q *InMemoryQueue) Send(_ context.Context, queueURL, body string, attributes map[string]string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}
	q.visible[queueURL] = append(q.visible[queueURL], Message{
		ID:         uuid.NewString(),
		Body:       body,
		Attributes: attrs,
	})
	return nil
}

func (q *InMemoryQueue) Receive(_ context.Context, queueURL string, opts ReceiveOptions) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	max := opts.MaxMessages
	if max <= 0 {
		max = 1
	}
	pending := q.visible[queueURL]
	if len(pending) == 0 {
		return nil, nil
	}
	if max > len(pending) {
		max = len(pending)
	}
	batch := pending[:max]
	q.visible[queueURL] = pending[max:]

	if q.inFlight[queueURL] == nil {
		q.inFlight[queueURL] = make(map[string]Message)
	}
	out := make([]Message, 0, len(batch))
	for _, m := range batch {
		m.ReceiptHandle = uuid.NewString()
		q.inFlight[queueURL][m.ReceiptHandle] = m
		out = append(out, m)
	}
	return out, nil
}

func (q *InMemoryQueue) Delete(_ context.Context, queueURL string, messages []Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range messages {
		delete(q.inFlight[queueURL], m.ReceiptHandle)
	}
	return nil
}

// Requeue makes all in-flight messages visible again, simulating an
// expired visibility timeout.
func (q *InMemoryQueue) Requeue(queueURL string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for handle, m := range q.inFlight[queueURL] {
		m.ReceiptHandle = ""
		q.visible[queueURL] = append(q.visible[queueURL], m)
		delete(q.inFlight[queueURL], handle)
	}
}

func (q *InMemoryQueue) ApproximateCount(_ context.Context, queueURL string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.visible[queueURL]), nil
}
