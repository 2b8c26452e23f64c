package progress

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrNotFound means no aggregate exists for the key.
	ErrNotFound = errors.New("progress not found")
	// ErrStaleRequest means the write carried a requestId from a previous
	// epoch; the caller must drop the result, not retry it.
	ErrStaleRequest = errors.New("stale request id")
)

// Repository persists progress aggregates. All mutations are atomic
// increments scoped to a (key, requestId) epoch; a mismatched requestId
// yields ErrStaleRequest and leaves the aggregate untouched.
type Repository interface {
	Get(ctx context.Context, key Key) (*Progress, error)

	// StartRequest begins a new epoch for the key with zeroed counters,
	// cleared webhook markers, and both phases in the waiting state,
	// replacing any prior epoch.
	StartRequest(ctx context.Context, key Key, requestID string) (*Progress, error)

	// AdjustTotal moves a phase's expected total by delta (positive when
	// batches are planned, negative when a document turns out not to need
	// the phase). The total never goes below zero. Setting a positive
	// total moves a waiting phase to processing.
	AdjustTotal(ctx context.Context, key Key, requestID string, phase Phase, delta int) (*Progress, error)

	// Increment adds one partial result's counts to a phase and returns
	// the post-increment aggregate. When the counters account for the
	// whole total the phase flips to completed or failed.
	Increment(ctx context.Context, key Key, requestID string, phase Phase, delta Delta) (*Progress, error)

	// FinalizePhase settles a phase whose expected total is known to be
	// final. A fully accounted-for phase (including total zero) moves to
	// its terminal status; a phase with work outstanding is untouched.
	FinalizePhase(ctx context.Context, key Key, requestID string, phase Phase) (*Progress, error)

	// ClaimWebhook atomically marks the phase's completion webhook as
	// sent for this epoch. Returns true only for the first caller.
	ClaimWebhook(ctx context.Context, key Key, requestID string, phase Phase) (bool, error)
}

// ---------------------------------------------------------------------------
// In-memory repository
// ---------------------------------------------------------------------------

type InMemoryRepo struct {
	mu    sync.Mutex
	items map[Key]*Progress
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{items: make(map[Key]*Progress)}
}

func (r *InMemoryRepo) Get(_ context.Context, key Key) (*Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *InMemoryRepo) StartRequest(_ context.Context, key Key, requestID string) (*Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	p := &Progress{
		Key:            key,
		RequestID:      requestID,
		DownloadStatus: StatusWaiting,
		ConvertStatus:  StatusWaiting,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	r.items[key] = p
	cp := *p
	return &cp, nil
}

func (r *InMemoryRepo) locked(key Key, requestID string) (*Progress, error) {
	p, ok := r.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	if p.RequestID != requestID {
		return nil, ErrStaleRequest
	}
	return p, nil
}

func (r *InMemoryRepo) AdjustTotal(_ context.Context, key Key, requestID string, phase Phase, delta int) (*Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.locked(key, requestID)
	if err != nil {
		return nil, err
	}
	t := tallyRef(p, phase)
	t.Total += delta
	if t.Total < 0 {
		t.Total = 0
	}
	recompute(p, phase)
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	return &cp, nil
}

func (r *InMemoryRepo) Increment(_ context.Context, key Key, requestID string, phase Phase, delta Delta) (*Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.locked(key, requestID)
	if err != nil {
		return nil, err
	}
	t := tallyRef(p, phase)
	t.Successful += delta.Successful
	t.Errors += delta.Errors
	recompute(p, phase)
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	return &cp, nil
}

func (r *InMemoryRepo) FinalizePhase(_ context.Context, key Key, requestID string, phase Phase) (*Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.locked(key, requestID)
	if err != nil {
		return nil, err
	}
	t := tallyRef(p, phase)
	s := statusRef(p, phase)
	if !s.Terminal() && t.Remaining() == 0 {
		*s = t.finalStatus()
		p.UpdatedAt = time.Now().UTC()
	}
	cp := *p
	return &cp, nil
}

func (r *InMemoryRepo) ClaimWebhook(_ context.Context, key Key, requestID string, phase Phase) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.locked(key, requestID)
	if err != nil {
		return false, err
	}
	if phase == PhaseConvert {
		if p.ConvertWebhookSent {
			return false, nil
		}
		p.ConvertWebhookSent = true
	} else {
		if p.DownloadWebhookSent {
			return false, nil
		}
		p.DownloadWebhookSent = true
	}
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

func tallyRef(p *Progress, phase Phase) *Tally {
	if phase == PhaseConvert {
		return &p.Convert
	}
	return &p.Download
}

func statusRef(p *Progress, phase Phase) *Status {
	if phase == PhaseConvert {
		return &p.ConvertStatus
	}
	return &p.DownloadStatus
}

// recompute moves the phase status forward from the counters. Terminal
// statuses are sticky for the epoch; a zero total keeps the current
// status until FinalizePhase settles it.
func recompute(p *Progress, phase Phase) {
	s := statusRef(p, phase)
	if s.Terminal() {
		return
	}
	if derived, ok := tallyRef(p, phase).derive(); ok {
		*s = derived
	}
}
