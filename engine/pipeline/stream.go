package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/WessleyAI/ifcgraph/engine/domain"
	"github.com/WessleyAI/ifcgraph/engine/graph"
	"github.com/WessleyAI/ifcgraph/engine/identity"
	"github.com/WessleyAI/ifcgraph/engine/mapper"
	"github.com/WessleyAI/ifcgraph/engine/merge"
	"github.com/WessleyAI/ifcgraph/engine/source"
	"github.com/WessleyAI/ifcgraph/pkg/fn"
)

const unknownCategory domain.Category = "unknown"

// spatialOps are the mapped containers, held until their level commits.
// links are the parents containers name through their own container id.
type spatialOps struct {
	order []string
	ops   map[string]mapper.WriteOp
	links []domain.HierarchyLink
}

// scanEntities makes the first pass over the model: every entity is
// resolved and admitted to the run identity set, and containers are mapped.
// Elements are mapped on the second pass, so only containers are held in
// memory.
func (p *Pipeline) scanEntities(ctx context.Context) (*spatialOps, error) {
	sp := &spatialOps{ops: make(map[string]mapper.WriteOp)}
	for e, rerr := range p.deps.Model.Entities() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.collector.EntitySeen()
		if rerr != nil {
			a, ok := domain.AsAnomaly(rerr)
			if !ok {
				return nil, fmt.Errorf("read entities: %w", rerr)
			}
			p.collector.Anomaly(a)
			p.collector.EntityRejected(unknownCategory)
			var bad *source.UndecodableEntity
			if errors.As(rerr, &bad) {
				p.ids.Reject(bad.ID)
			}
			continue
		}
		id, err := p.resolver.Resolve(e)
		if err != nil {
			p.rejectEntity(err, p.deps.Registry.Classify(e.Type, e.Category).Category)
			continue
		}
		if err := p.ids.Accept(id.ID, id.Category); err != nil {
			p.rejectEntity(err, id.Category)
			continue
		}
		if id.Category == domain.CategorySpatial {
			sp.order = append(sp.order, id.ID)
			sp.ops[id.ID] = p.mapEntity(e, id)
			if parent := strings.TrimSpace(e.ContainerID); parent != "" {
				sp.links = append(sp.links, domain.HierarchyLink{ParentID: parent, ChildID: id.ID})
			}
		}
	}
	p.log.Info("pipeline: entities scanned", "run_id", p.runID,
		"accepted", p.ids.Len(), "containers", len(sp.order))
	return sp, nil
}

func (p *Pipeline) rejectEntity(err error, cat domain.Category) {
	if a, ok := domain.AsAnomaly(err); ok {
		p.collector.Anomaly(a)
	}
	p.collector.EntityRejected(cat)
}

func (p *Pipeline) mapEntity(e domain.Entity, id identity.Identity) mapper.WriteOp {
	op, anomalies := p.mapper.MapEntity(e, id, p.deps.Model.PropertySets(id.ID), p.deps.Model.Materials(id.ID))
	for _, a := range anomalies {
		p.collector.Anomaly(a)
	}
	p.collector.EntityMapped(id.Category, len(op.PropertySets), len(op.Materials))
	return op
}

// commitHierarchy writes the containers one tree level at a time, so every
// containment edge finds its parent already committed.
func (p *Pipeline) commitHierarchy(ctx context.Context, sp *spatialOps) error {
	isSpatial := func(id string) bool {
		cat, ok := p.ids.Category(id)
		return ok && cat == domain.CategorySpatial
	}
	links := slices.Concat(p.deps.Model.Hierarchy(), sp.links)
	t := buildTree(sp.order, links, isSpatial, p.collector.Anomaly)

	for level, ids := range t.levels {
		c := p.newCommitter(ctx, "hierarchy", fmt.Sprintf("hierarchy-L%d", level))
		for _, chunk := range fn.Chunk(ids, p.cfg.BatchSize) {
			var b graph.Batch
			for _, id := range chunk {
				b.Add(sp.ops[id])
				if parent, ok := t.parent[id]; ok {
					p.containment(&b, parent, id)
				}
				delete(sp.ops, id)
			}
			if err := c.submit(b); err != nil {
				return c.stop(err)
			}
		}
		if err := c.wait(); err != nil {
			return err
		}
	}
	return nil
}

// commitElements makes the second pass over the model and commits elements
// and type objects together with their containment edges.
func (p *Pipeline) commitElements(ctx context.Context) error {
	c := p.newCommitter(ctx, "elements", "elements")
	emitted := make(map[string]struct{})
	ops := make([]mapper.WriteOp, 0, p.cfg.BatchSize)

	flush := func() error {
		if len(ops) == 0 {
			return nil
		}
		b, err := p.elementBatch(c.ctx, ops)
		ops = make([]mapper.WriteOp, 0, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		return c.submit(b)
	}

	for e, rerr := range p.deps.Model.Entities() {
		if err := c.ctx.Err(); err != nil {
			return c.stop(err)
		}
		if rerr != nil {
			if _, ok := domain.AsAnomaly(rerr); ok {
				continue // counted on the first pass
			}
			return c.stop(fmt.Errorf("read entities: %w", rerr))
		}
		id, err := p.resolver.Resolve(e)
		if err != nil || id.Category == domain.CategorySpatial {
			continue
		}
		// Only the occurrence admitted on the first pass is written.
		if cat, ok := p.ids.Category(id.ID); !ok || cat != id.Category {
			continue
		}
		if _, done := emitted[id.ID]; done {
			continue
		}
		emitted[id.ID] = struct{}{}
		ops = append(ops, p.mapEntity(e, id))
		if len(ops) == p.cfg.BatchSize {
			if err := flush(); err != nil {
				return c.stop(err)
			}
		}
	}
	if err := flush(); err != nil {
		return c.stop(err)
	}
	return c.wait()
}

// elementBatch builds a batch from element operations. A container must be
// a spatial container of this run or a node committed by an earlier run
// whose id this run did not reject; otherwise the element is written
// without its containment edge.
func (p *Pipeline) elementBatch(ctx context.Context, ops []mapper.WriteOp) (graph.Batch, error) {
	var (
		b       graph.Batch
		lookups = make(map[string][]string) // container -> children
	)
	for _, op := range ops {
		b.Add(op)
		parent, child := op.ContainerID, op.Node.ID
		if parent == "" {
			continue
		}
		cat, ok := p.ids.Category(parent)
		switch {
		case !ok && p.ids.Rejected(parent):
			p.collector.Anomaly(domain.NewAnomaly(domain.KindDanglingReference, parent+"->"+child,
				fmt.Sprintf("element %s names rejected container %s", child, parent)))
		case !ok:
			lookups[parent] = append(lookups[parent], child)
		case cat == domain.CategorySpatial:
			p.containment(&b, parent, child)
		default:
			p.collector.Anomaly(domain.NewAnomaly(domain.KindHierarchyViolation, child,
				fmt.Sprintf("container %s is a %s, not a spatial container", parent, cat)))
		}
	}
	if len(lookups) == 0 {
		return b, nil
	}
	parents := slices.Sorted(maps.Keys(lookups))
	known, err := p.cache.Known(ctx, parents)
	if err != nil {
		return b, err
	}
	for _, parent := range parents {
		for _, child := range lookups[parent] {
			if known[parent] {
				p.containment(&b, parent, child)
				continue
			}
			p.collector.Anomaly(domain.NewAnomaly(domain.KindDanglingReference, parent+"->"+child,
				fmt.Sprintf("element %s names unknown container %s", child, parent)))
		}
	}
	return b, nil
}

// containment adds the CONTAINS edge unless the run already produced it.
func (p *Pipeline) containment(b *graph.Batch, parent, child string) {
	op, fresh := p.merger.Containment(parent, child)
	if !fresh {
		p.collector.FactDuplicate(op)
		return
	}
	p.collector.FactAccepted(op)
	b.Edges = append(b.Edges, op)
}

// submitRelationships merges the explicit and derived fact streams into
// edge batches. The returned committer still has batches in flight.
func (p *Pipeline) submitRelationships(ctx context.Context) (*committer, error) {
	c := p.newCommitter(ctx, "relationships", "relationships")
	var derived merge.FactStream
	if p.deps.Topology != nil {
		derived = p.deps.Topology.Facts()
	} else {
		p.log.Info("pipeline: topology analysis unavailable, explicit relations only", "run_id", p.runID)
	}

	var b graph.Batch
	err := p.merger.Merge(c.ctx, p.deps.Model.Relations(), derived, func(op merge.EdgeOp) error {
		b.Edges = append(b.Edges, op)
		if len(b.Edges) < p.cfg.BatchSize {
			return nil
		}
		full := b
		b = graph.Batch{}
		return c.submit(full)
	})
	if err == nil {
		err = c.submit(b)
	}
	if err != nil {
		return nil, c.stop(err)
	}
	return c, nil
}
