// Package webhook delivers document-query lifecycle events to the owning
// application. Delivery is best effort, at-least-once: payloads are
// HMAC-SHA256 signed, transient failures are retried with backoff, and a
// failed delivery never propagates to the orchestration pipeline.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Event types
// ---------------------------------------------------------------------------

// EventType identifies which phase reached a terminal state.
type EventType string

const (
	EventDocumentDownload   EventType = "medical.document-download"
	EventDocumentConversion EventType = "medical.document-conversion"
)

// Event describes one terminal phase transition for a patient.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	CxID      string    `json:"cxId"`
	PatientID string    `json:"patientId"`
	RequestID string    `json:"requestId"`
	Status    string    `json:"status"` // "completed" or "failed"
	Timestamp time.Time `json:"timestamp"`
}

// Dispatcher sends events to the owning application.
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ---------------------------------------------------------------------------
// HTTPDispatcher
// ---------------------------------------------------------------------------

// DispatcherOption configures an HTTPDispatcher.
type DispatcherOption func(*HTTPDispatcher)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *HTTPDispatcher) { d.httpClient = c }
}

// WithRetryDelays overrides the backoff schedule; its length is the
// maximum number of retries.
func WithRetryDelays(delays []time.Duration) DispatcherOption {
	return func(d *HTTPDispatcher) { d.retryDelays = delays }
}

// HTTPDispatcher posts signed events to a single configured endpoint.
type HTTPDispatcher struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger
}

func NewHTTPDispatcher(url, secret string, logger zerolog.Logger, opts ...DispatcherOption) *HTTPDispatcher {
	d := &HTTPDispatcher{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
		logger:      logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *HTTPDispatcher) Notify(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(d.retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.retryDelays[attempt-1]):
			}
		}
		lastErr = d.deliver(ctx, payload)
		if lastErr == nil {
			d.logger.Info().
				Str("event_id", event.ID).
				Str("type", string(event.Type)).
				Str("patient_id", event.PatientID).
				Str("status", event.Status).
				Int("attempt", attempt+1).
				Msg("webhook delivered")
			return nil
		}
	}
	d.logger.Error().Err(lastErr).
		Str("event_id", event.ID).
		Str("patient_id", event.PatientID).
		Msg("webhook delivery failed after retries")
	return lastErr
}

func (d *HTTPDispatcher) deliver(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.secret != "" {
		req.Header.Set("X-Webhook-Signature", SignPayload(payload, d.secret))
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// ---------------------------------------------------------------------------
// CaptureDispatcher
// ---------------------------------------------------------------------------

// CaptureDispatcher records events instead of sending them; used by tests
// and development mode.
type CaptureDispatcher struct {
	mu     sync.Mutex
	events []Event
}

func NewCaptureDispatcher() *CaptureDispatcher {
	return &CaptureDispatcher{}
}

func (d *CaptureDispatcher) Notify(_ context.Context, event Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

// Events returns a copy of all captured events.
func (d *CaptureDispatcher) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, len(d.events))
	copy(out, d.events)
	return out
}
