// Package merge combines relationship facts from the parsed model and from
// geometry analysis into deduplicated, provenance-tagged edge operations.
package merge

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/WessleyAI/ifcgraph/engine/domain"
	"github.com/WessleyAI/ifcgraph/engine/identity"
	"github.com/WessleyAI/ifcgraph/engine/schema"
	"github.com/google/uuid"
)

// DefaultChunk is how many facts are resolved against the graph at once.
const DefaultChunk = 256

// FactStream yields relationship facts. A nil stream is empty. Errors that
// are *domain.Anomaly values reject one item; any other error ends the run.
type FactStream = iter.Seq2[domain.RelationshipFact, error]

// EdgeOp upserts one edge. Edges are identified by Key, which is derived from
// (source, target, type, provenance).
type EdgeOp struct {
	Key        string
	SourceID   string
	TargetID   string
	Type       string
	Provenance domain.Provenance
	Props      map[string]domain.Value
}

// Observer receives the outcome of every fact.
type Observer interface {
	FactAccepted(op EdgeOp)
	FactDuplicate(op EdgeOp)
	Anomaly(a *domain.Anomaly)
}

// Key returns the deterministic edge key.
func Key(src, tgt, relType string, prov domain.Provenance) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("ifcgraph:edge:%s|%s|%s|%s", src, tgt, relType, prov))).String()
}

// Merger turns fact streams into EdgeOps. One Merger serves one run.
type Merger struct {
	reg   *schema.Registry
	ids   *identity.Set
	cache *identity.Cache
	obs   Observer
	chunk int

	mu      sync.Mutex
	seen    map[string]struct{}
	parents map[string]string // child -> chosen container
}

// New creates a Merger. cache may be nil, in which case only ids accepted in
// this run are valid endpoints.
func New(reg *schema.Registry, ids *identity.Set, cache *identity.Cache, obs Observer) *Merger {
	return &Merger{
		reg:   reg,
		ids:   ids,
		cache: cache,
		obs:   obs,
		chunk:   DefaultChunk,
		seen:    make(map[string]struct{}),
		parents: make(map[string]string),
	}
}

// Containment builds the explicit CONTAINS edge from a spatial container to
// a child and claims its key, so an identical fact from the relation stream
// is counted as a duplicate. parentID becomes the child's only container:
// a CONTAINS fact naming another one is a HierarchyViolation.
func (m *Merger) Containment(parentID, childID string) (EdgeOp, bool) {
	m.mu.Lock()
	if _, ok := m.parents[childID]; !ok {
		m.parents[childID] = parentID
	}
	m.mu.Unlock()
	op := EdgeOp{
		Key:        Key(parentID, childID, schema.RelContains, domain.ProvenanceExplicit),
		SourceID:   parentID,
		TargetID:   childID,
		Type:       schema.RelContains,
		Provenance: domain.ProvenanceExplicit,
		Props:      map[string]domain.Value{schema.PropSource: domain.String(sourceModel)},
	}
	return op, m.claim(op.Key)
}

func (m *Merger) claim(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return false
	}
	m.seen[key] = struct{}{}
	return true
}

// Merge drains the explicit stream, then the derived stream, emitting one
// EdgeOp per distinct accepted fact. derived may be nil when geometry
// analysis is unavailable.
func (m *Merger) Merge(ctx context.Context, explicit, derived FactStream, emit func(EdgeOp) error) error {
	if err := m.drain(ctx, explicit, domain.ProvenanceExplicit, emit); err != nil {
		return err
	}
	return m.drain(ctx, derived, domain.ProvenanceDerived, emit)
}

func (m *Merger) drain(ctx context.Context, stream FactStream, prov domain.Provenance, emit func(EdgeOp) error) error {
	if stream == nil {
		return nil
	}
	buf := make([]domain.RelationshipFact, 0, m.chunk)
	for f, err := range stream {
		if err != nil {
			if a, ok := domain.AsAnomaly(err); ok {
				m.obs.Anomaly(a)
				continue
			}
			return fmt.Errorf("merge: read %s facts: %w", prov, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// The stream decides provenance, whatever the fact claims.
		f.Provenance = prov
		f.SourceID = strings.TrimSpace(f.SourceID)
		f.TargetID = strings.TrimSpace(f.TargetID)
		buf = append(buf, f)
		if len(buf) == m.chunk {
			if err := m.flush(ctx, buf, emit); err != nil {
				return err
			}
			buf = buf[:0]
		}
	}
	return m.flush(ctx, buf, emit)
}

type candidate struct {
	fact    domain.RelationshipFact
	relType string
}

func (m *Merger) flush(ctx context.Context, facts []domain.RelationshipFact, emit func(EdgeOp) error) error {
	if len(facts) == 0 {
		return nil
	}
	var (
		cands   []candidate
		unknown = make(map[string]struct{})
	)
	for _, f := range facts {
		if err := domain.ValidateFact(f); err != nil {
			m.reject(err)
			continue
		}
		relType, err := m.reg.NormalizeRelType(f.Type, f.Provenance)
		if err != nil {
			m.reject(err)
			continue
		}
		for _, id := range []string{f.SourceID, f.TargetID} {
			if !m.ids.Accepted(id) && !m.ids.Rejected(id) {
				unknown[id] = struct{}{}
			}
		}
		cands = append(cands, candidate{fact: f, relType: relType})
	}

	known := map[string]bool{}
	if len(unknown) > 0 && m.cache != nil {
		var err error
		known, err = m.cache.Known(ctx, slices.Sorted(maps.Keys(unknown)))
		if err != nil {
			return fmt.Errorf("merge: resolve endpoints: %w", err)
		}
	}

	for _, c := range cands {
		f := c.fact
		if missing := m.missingEndpoint(f, known); missing != "" {
			m.obs.Anomaly(domain.NewAnomaly(domain.KindDanglingReference, f.SourceID+"->"+f.TargetID,
				fmt.Sprintf("%s fact %s references unknown or rejected entity %s", f.Provenance, f.Type, missing)))
			continue
		}
		if c.relType == schema.RelContains {
			if err := m.adopt(f.SourceID, f.TargetID); err != nil {
				m.obs.Anomaly(err)
				continue
			}
		}
		op := EdgeOp{
			Key:        Key(f.SourceID, f.TargetID, c.relType, f.Provenance),
			SourceID:   f.SourceID,
			TargetID:   f.TargetID,
			Type:       c.relType,
			Provenance: f.Provenance,
			Props:      m.edgeProps(f, c.relType),
		}
		if !m.claim(op.Key) {
			m.obs.FactDuplicate(op)
			continue
		}
		m.obs.FactAccepted(op)
		if err := emit(op); err != nil {
			return err
		}
	}
	return nil
}

// adopt makes parent the container of child unless child already has
// another container or parent lies below child.
func (m *Merger) adopt(parent, child string) *domain.Anomaly {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.parents[child]; ok {
		if p == parent {
			return nil
		}
		return domain.NewAnomaly(domain.KindHierarchyViolation, child,
			fmt.Sprintf("second container %s ignored, already contained in %s", parent, p))
	}
	for cur, ok := parent, true; ok; cur, ok = m.parents[cur] {
		if cur == child {
			return domain.NewAnomaly(domain.KindHierarchyViolation, child,
				fmt.Sprintf("containment in %s would form a cycle", parent))
		}
	}
	m.parents[child] = parent
	return nil
}

func (m *Merger) missingEndpoint(f domain.RelationshipFact, known map[string]bool) string {
	for _, id := range []string{f.SourceID, f.TargetID} {
		if m.ids.Rejected(id) {
			return id
		}
		if !m.ids.Accepted(id) && !known[id] {
			return id
		}
	}
	return ""
}

func (m *Merger) reject(err error) {
	if a, ok := domain.AsAnomaly(err); ok {
		m.obs.Anomaly(a)
		return
	}
	m.obs.Anomaly(domain.NewAnomaly(domain.KindDanglingReference, "", err.Error()))
}

const (
	sourceModel    = "ifcModel"
	sourceTopology = "topologicalAnalysis"
)

// defaults applied to derived edges when the analyzer omits them
var derivedDefaults = map[string]map[string]domain.Value{
	schema.RelAdjacent:              {"distanceTolerance": domain.Float(0.001)},
	schema.RelContainsTopologically: {"distanceTolerance": domain.Float(0.001), "containmentType": domain.String("full")},
	schema.RelBoundsSpace:           {"boundaryType": domain.String("physical")},
}

func (m *Merger) edgeProps(f domain.RelationshipFact, relType string) map[string]domain.Value {
	props := make(map[string]domain.Value, len(f.Attributes)+2)
	for _, k := range slices.Sorted(maps.Keys(f.Attributes)) {
		key := domain.PropertyKey(k)
		if key == "" || key == schema.PropKey || key == schema.PropProvenance {
			continue
		}
		v, ok, err := domain.ValueOf(f.Attributes[k])
		if err != nil {
			m.obs.Anomaly(domain.NewAnomaly(domain.KindUnsupportedValue, f.SourceID+"->"+f.TargetID,
				fmt.Sprintf("%s attribute %s: %v", relType, k, err)))
		}
		if ok {
			props[key] = v
		}
	}
	if f.Provenance == domain.ProvenanceDerived {
		for k, v := range derivedDefaults[relType] {
			if _, ok := props[k]; !ok {
				props[k] = v
			}
		}
		props[schema.PropSource] = domain.String(sourceTopology)
	} else {
		props[schema.PropSource] = domain.String(sourceModel)
	}
	return props
}
