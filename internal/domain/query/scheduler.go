package query

import (
	"sync"
	"time"

	"github.com/hie/gateway/internal/domain/document"
)

// ScheduledQuery is a parked document-query request, waiting for patient
// discovery to settle before it runs.
type ScheduledQuery struct {
	CxID        string
	PatientID   string
	Source      document.Source
	RequestedAt time.Time
}

type scheduleKey struct {
	cxID      string
	patientID string
	source    document.Source
}

// ScheduleStore parks at most one pending query per (cxId, patientId,
// source). Parking again while one is parked refreshes the timestamp;
// the replayed query runs once.
type ScheduleStore struct {
	mu     sync.Mutex
	parked map[scheduleKey]ScheduledQuery
}

func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{parked: make(map[scheduleKey]ScheduledQuery)}
}

func (s *ScheduleStore) Park(q ScheduledQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.RequestedAt.IsZero() {
		q.RequestedAt = time.Now().UTC()
	}
	s.parked[scheduleKey{q.CxID, q.PatientID, q.Source}] = q
}

// Take removes and returns every parked query for the patient, across
// sources.
func (s *ScheduleStore) Take(cxID, patientID string) []ScheduledQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScheduledQuery
	for k, q := range s.parked {
		if k.cxID == cxID && k.patientID == patientID {
			out = append(out, q)
			delete(s.parked, k)
		}
	}
	return out
}
