package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

// Snapshot is the complete, immutable result of one analysis. It is built
// off to the side and published with a single pointer swap.
type Snapshot struct {
	ID        string
	TenantID  string
	StartedAt time.Time
	CreatedAt time.Time

	Graph   *graph.Graph
	Metrics domain.Metrics
	Rings   []domain.FraudRing
	Scores  domain.Scores
	Report  *domain.Report
}

// Store holds the current snapshot per tenant. Publishing replaces the
// previous snapshot wholesale; readers always see either the old or the
// new one, never a mix.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]*atomic.Pointer[Snapshot]
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{tenants: make(map[string]*atomic.Pointer[Snapshot])}
}

func (s *Store) slot(tenantID string) *atomic.Pointer[Snapshot] {
	s.mu.RLock()
	p, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if ok {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.tenants[tenantID]; ok {
		return p
	}
	p = new(atomic.Pointer[Snapshot])
	s.tenants[tenantID] = p
	return p
}

// Current returns the tenant's latest snapshot, or nil.
func (s *Store) Current(tenantID string) *Snapshot {
	s.mu.RLock()
	p, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return p.Load()
}

// Publish makes snap the tenant's current snapshot unless a snapshot from
// a later-started analysis is already published. It returns the snapshot
// it replaced and whether snap was published.
func (s *Store) Publish(snap *Snapshot) (*Snapshot, bool) {
	p := s.slot(snap.TenantID)
	for {
		cur := p.Load()
		if cur != nil && cur.StartedAt.After(snap.StartedAt) {
			return cur, false
		}
		if p.CompareAndSwap(cur, snap) {
			return cur, true
		}
	}
}

// Tenants returns the number of tenants with a slot.
func (s *Store) Tenants() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants)
}
