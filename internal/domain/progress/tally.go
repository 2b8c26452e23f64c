package progress

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Tallier applies partial results to an aggregate with read-after-write
// verification. Increments are atomic in the repository; the verification
// re-read guards against lost updates in the face of replication lag or a
// misbehaving store, retrying a bounded number of times before flagging
// the aggregate for manual investigation.
type Tallier struct {
	repo       Repository
	maxRetries int
	retryDelay time.Duration
	logger     zerolog.Logger
}

// TallierOption configures a Tallier.
type TallierOption func(*Tallier)

func WithVerifyRetries(n int) TallierOption {
	return func(t *Tallier) { t.maxRetries = n }
}

func WithVerifyRetryDelay(d time.Duration) TallierOption {
	return func(t *Tallier) { t.retryDelay = d }
}

func NewTallier(repo Repository, logger zerolog.Logger, opts ...TallierOption) *Tallier {
	t := &Tallier{
		repo:       repo,
		maxRetries: 3,
		retryDelay: 200 * time.Millisecond,
		logger:     logger.With().Str("component", "tally").Logger(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Apply adds one partial result to the phase and returns the
// post-increment aggregate. A result from a superseded epoch returns
// ErrStaleRequest; the caller drops it without retallying.
func (t *Tallier) Apply(ctx context.Context, key Key, requestID string, phase Phase, delta Delta) (*Progress, error) {
	p, err := t.repo.Increment(ctx, key, requestID, phase, delta)
	if err != nil {
		if errors.Is(err, ErrStaleRequest) {
			t.logger.Warn().
				Str("patient_id", key.PatientID).
				Str("request_id", requestID).
				Str("phase", string(phase)).
				Msg("dropping result from superseded request")
		}
		return nil, err
	}
	t.verify(ctx, key, requestID, phase, p.Tally(phase))
	return p, nil
}

// verify re-reads the aggregate and confirms the counters reflect at
// least the state observed after the increment. Counters only grow
// within an epoch, so a re-read below the observed state means the write
// was lost.
func (t *Tallier) verify(ctx context.Context, key Key, requestID string, phase Phase, expected Tally) {
	for attempt := 0; ; attempt++ {
		current, err := t.repo.Get(ctx, key)
		if err == nil && current.RequestID == requestID {
			got := current.Tally(phase)
			if got.Successful >= expected.Successful && got.Errors >= expected.Errors {
				return
			}
		} else if err == nil {
			// A newer epoch replaced the aggregate; nothing to verify.
			return
		}
		if attempt >= t.maxRetries {
			t.logger.Error().
				Str("patient_id", key.PatientID).
				Str("request_id", requestID).
				Str("phase", string(phase)).
				Int("expected_successful", expected.Successful).
				Int("expected_errors", expected.Errors).
				Msg("tally verification failed, aggregate may have lost an update")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.retryDelay):
		}
	}
}
