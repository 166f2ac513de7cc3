// Package identity stamps building-model entities with their graph identity:
// the external identifier and the ordered label set from the classification
// table. It never invents identifiers.
package identity

import (
	"fmt"
	"strings"
	"sync"

	"github.com/WessleyAI/ifcgraph/engine/domain"
	"github.com/WessleyAI/ifcgraph/engine/schema"
)

// Identity is the resolved graph identity of an entity.
type Identity struct {
	ID       string
	Category domain.Category
	Labels   []string // most general first
}

// Resolver maps entities to identities using a read-only classification
// table. It is safe for concurrent use.
type Resolver struct {
	reg *schema.Registry
}

// NewResolver creates a Resolver over reg.
func NewResolver(reg *schema.Registry) *Resolver {
	return &Resolver{reg: reg}
}

// Resolve returns the identity of e, or a MissingIdentity anomaly when e has
// no usable external identifier.
func (r *Resolver) Resolve(e domain.Entity) (Identity, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return Identity{}, domain.NewAnomaly(domain.KindMissingIdentity, describe(e),
			fmt.Sprintf("%s entity has no external identifier", e.Type))
	}
	c := r.reg.Classify(e.Type, e.Category)
	return Identity{ID: id, Category: c.Category, Labels: c.Labels}, nil
}

func describe(e domain.Entity) string {
	if e.Name != "" {
		return e.Type + ":" + e.Name
	}
	return e.Type
}

// Set is the identity ledger of one run: every id accepted into the graph
// and every id the resolver turned away.
type Set struct {
	mu       sync.RWMutex
	accepted map[string]domain.Category
	rejected map[string]struct{}
}

// NewSet creates an empty ledger.
func NewSet() *Set {
	return &Set{
		accepted: make(map[string]domain.Category),
		rejected: make(map[string]struct{}),
	}
}

// Accept records id. A second Accept of the same id in one run is a
// DuplicateIdentity anomaly and leaves the first record intact. Accepting
// an id clears an earlier rejection of it.
func (s *Set) Accept(id string, cat domain.Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accepted[id]; ok {
		return domain.NewAnomaly(domain.KindDuplicateIdentity, id, "identifier already seen in this run")
	}
	s.accepted[id] = cat
	delete(s.rejected, id)
	return nil
}

// Reject records an id whose entity was excluded from the graph. An id
// already accepted in this run stays accepted.
func (s *Set) Reject(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accepted[id]; !ok {
		s.rejected[id] = struct{}{}
	}
}

// Accepted reports whether id was accepted in this run.
func (s *Set) Accepted(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.accepted[id]
	return ok
}

// Category returns the category id was accepted with.
func (s *Set) Category(id string) (domain.Category, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.accepted[id]
	return c, ok
}

// Rejected reports whether id was turned away in this run.
func (s *Set) Rejected(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rejected[id]
	return ok
}

// Len returns the number of accepted ids.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accepted)
}
