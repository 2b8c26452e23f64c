// Package progress maintains the per-patient document-query progress
// aggregate: counters for the download and convert phases, accumulated
// from partial gateway results arriving concurrently and out of order.
// Counters only ever move by increments; the aggregate is never
// overwritten wholesale. A new requestId starts a new epoch and zeroes
// the counters.
package progress

import (
	"time"

	"github.com/hie/gateway/internal/domain/document"
)

// Status is the lifecycle state of one phase. Transitions are monotonic
// within an epoch: a phase never regresses from completed/failed back to
// processing; only a new request epoch resets it.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is an end state for the epoch.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase names one of the two tracked pipeline phases.
type Phase string

const (
	PhaseDownload Phase = "download"
	PhaseConvert  Phase = "convert"
)

// Tally holds one phase's counters.
type Tally struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Errors     int `json:"errors"`
}

// derive computes the status the counters imply. A zero total is
// ambiguous (nothing planned yet, or nothing to do) and yields no
// opinion; the repository keeps the explicit status in that case and
// FinalizePhase settles it once the total is known to be final.
func (t Tally) derive() (Status, bool) {
	if t.Total == 0 {
		return "", false
	}
	if t.Errors >= t.Total {
		return StatusFailed, true
	}
	if t.Successful+t.Errors >= t.Total {
		return StatusCompleted, true
	}
	return StatusProcessing, true
}

// finalStatus is the terminal status for a phase whose total is final
// and fully accounted for.
func (t Tally) finalStatus() Status {
	if t.Total > 0 && t.Errors >= t.Total {
		return StatusFailed
	}
	return StatusCompleted
}

// Remaining is the number of documents not yet accounted for.
func (t Tally) Remaining() int {
	r := t.Total - t.Successful - t.Errors
	if r < 0 {
		return 0
	}
	return r
}

// Key identifies one aggregate: a patient's progress on one network.
type Key struct {
	CxID      string
	PatientID string
	Source    document.Source
}

// Progress is the aggregate the owning application polls. RequestID is
// the epoch: results carrying a different requestId are stale and must
// not be tallied.
type Progress struct {
	Key       Key
	RequestID string
	Download  Tally
	Convert   Tally

	DownloadStatus Status
	ConvertStatus  Status

	DownloadWebhookSent bool
	ConvertWebhookSent  bool

	StartedAt time.Time
	UpdatedAt time.Time
}

// Tally returns the counters for the given phase.
func (p *Progress) Tally(phase Phase) Tally {
	if phase == PhaseConvert {
		return p.Convert
	}
	return p.Download
}

// PhaseStatus returns the persisted status for the given phase.
func (p *Progress) PhaseStatus(phase Phase) Status {
	s := p.DownloadStatus
	if phase == PhaseConvert {
		s = p.ConvertStatus
	}
	if s == "" {
		return StatusNotStarted
	}
	return s
}

// WebhookSent reports whether the completion webhook already fired for
// the phase in this epoch.
func (p *Progress) WebhookSent(phase Phase) bool {
	if phase == PhaseConvert {
		return p.ConvertWebhookSent
	}
	return p.DownloadWebhookSent
}

// Delta is one partial result's contribution to a phase.
type Delta struct {
	Successful int
	Errors     int
}
