package gateway

import (
	"strings"
	"sync"
)

// Entry is one gateway's directory record: the endpoints a home community
// exposes for document query and retrieval.
type Entry struct {
	ID           string // home community OID
	Name         string
	QueryURL     string
	RetrievalURL string
}

// Directory resolves a home community ID to its endpoint entry.
type Directory interface {
	Lookup(homeCommunityID string) (Entry, bool)
}

// StaticDirectory is a map-backed Directory, loaded at startup from the
// network's published endpoint list.
type StaticDirectory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewStaticDirectory(entries ...Entry) *StaticDirectory {
	d := &StaticDirectory{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		d.entries[normalizeOID(e.ID)] = e
	}
	return d
}

func (d *StaticDirectory) Lookup(homeCommunityID string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[normalizeOID(homeCommunityID)]
	return e, ok
}

// Add inserts or replaces an entry.
func (d *StaticDirectory) Add(e Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[normalizeOID(e.ID)] = e
}

// normalizeOID strips the URN prefix some networks attach to home
// community IDs, so "urn:oid:1.2.3" and "1.2.3" resolve identically.
func normalizeOID(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), "urn:oid:")
}
