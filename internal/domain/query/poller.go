package query

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollTimeout bounds how long a request waits for gateway
// results before finalizing missing gateways as failed.
const DefaultPollTimeout = 2 * time.Minute

// Poller waits for the expected number of batch results to land in the
// ResultStore. It never blocks past its timeout: batches that have not
// been answered by then are reported missing so the caller can tally
// their documents as errors and finalize the phase.
type Poller struct {
	store    *ResultStore
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewPoller(store *ResultStore, interval, timeout time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	return &Poller{
		store:    store,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With().Str("component", "poller").Logger(),
	}
}

// Await blocks until every expected batch has a deposited result, the
// timeout elapses, or ctx is cancelled. It returns the results that did
// arrive and the batch IDs that were never answered.
func (p *Poller) Await(ctx context.Context, requestID string, expectedBatchIDs []string) ([]GatewayResult, []string) {
	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(p.interval)
	defer tick.Stop()

	expected := len(expectedBatchIDs)
	for p.store.Count(requestID) < expected {
		select {
		case <-ctx.Done():
			return p.settle(requestID, expectedBatchIDs)
		case <-deadline.C:
			p.logger.Warn().
				Str("request_id", requestID).
				Int("expected", expected).
				Int("received", p.store.Count(requestID)).
				Dur("timeout", p.timeout).
				Msg("gateway results incomplete at timeout")
			return p.settle(requestID, expectedBatchIDs)
		case <-tick.C:
		}
	}
	return p.settle(requestID, expectedBatchIDs)
}

func (p *Poller) settle(requestID string, expectedBatchIDs []string) ([]GatewayResult, []string) {
	results := p.store.Results(requestID)
	answered := make(map[string]bool, len(results))
	for _, r := range results {
		answered[r.Key()] = true
	}
	var missing []string
	for _, id := range expectedBatchIDs {
		if !answered[id] {
			missing = append(missing, id)
		}
	}
	return results, missing
}
