package query

import (
	"context"
	"sync"
)

// InMemoryDiscoveryChecker tracks which patients have a discovery round
// in flight. The patient-discovery service flips the flag; the
// orchestrator only reads it.
type InMemoryDiscoveryChecker struct {
	mu     sync.RWMutex
	active map[string]bool
}

func NewInMemoryDiscoveryChecker() *InMemoryDiscoveryChecker {
	return &InMemoryDiscoveryChecker{active: make(map[string]bool)}
}

func (c *InMemoryDiscoveryChecker) SetDiscovering(cxID, patientID string, discovering bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if discovering {
		c.active[cxID+"/"+patientID] = true
		return
	}
	delete(c.active, cxID+"/"+patientID)
}

func (c *InMemoryDiscoveryChecker) Discovering(_ context.Context, cxID, patientID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active[cxID+"/"+patientID], nil
}

// InMemoryLinkProvider stores each patient's gateway links as resolved
// by patient discovery.
type InMemoryLinkProvider struct {
	mu    sync.RWMutex
	links map[string][]string
}

func NewInMemoryLinkProvider() *InMemoryLinkProvider {
	return &InMemoryLinkProvider{links: make(map[string][]string)}
}

func (p *InMemoryLinkProvider) SetLinks(cxID, patientID string, gatewayIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.links[cxID+"/"+patientID] = append([]string(nil), gatewayIDs...)
}

func (p *InMemoryLinkProvider) Links(_ context.Context, cxID, patientID string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.links[cxID+"/"+patientID]...), nil
}
