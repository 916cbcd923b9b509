// Package memory provides an in-memory tenant Store.
// Intended for testing. Nothing is persisted.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"logfanout/internal/tenant"
)

// Store is an in-memory tenant.Store.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]tenant.Config
	gets    map[string]int
}

var _ tenant.Store = (*Store)(nil)

// NewStore creates a store seeded with cfgs.
func NewStore(cfgs ...tenant.Config) *Store {
	s := &Store{
		tenants: make(map[string]tenant.Config, len(cfgs)),
		gets:    make(map[string]int),
	}
	for _, c := range cfgs {
		s.tenants[c.TenantID] = c.Clone()
	}
	return s
}

// Get returns a copy of the tenant configuration.
func (s *Store) Get(ctx context.Context, tenantID string) (tenant.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gets[tenantID]++
	c, ok := s.tenants[tenantID]
	if !ok {
		return tenant.Config{}, fmt.Errorf("%w: %s", tenant.ErrNotFound, tenantID)
	}
	return c.Clone(), nil
}

// Put stores or replaces a configuration.
func (s *Store) Put(c tenant.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[c.TenantID] = c.Clone()
}

// Delete removes a configuration.
func (s *Store) Delete(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenants, tenantID)
}

// IDs returns the stored tenant IDs in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Gets returns how many times Get was called for tenantID.
func (s *Store) Gets(tenantID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gets[tenantID]
}
