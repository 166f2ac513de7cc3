package pipeline

import (
	"context"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/WessleyAI/ifcgraph/engine/domain"
	"github.com/WessleyAI/ifcgraph/engine/graph"
	"github.com/WessleyAI/ifcgraph/engine/mapper"
	"github.com/WessleyAI/ifcgraph/engine/merge"
	"github.com/WessleyAI/ifcgraph/engine/schema"
	"github.com/WessleyAI/ifcgraph/engine/source"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store with upsert semantics like the Cypher
// writers: nodes by id, edges by key, edges only between existing nodes.
type memStore struct {
	mu          sync.Mutex
	nodes       map[string]mapper.NodeWrite
	edges       map[string]merge.EdgeOp
	psets       map[string]mapper.PropertySetWrite
	madeOf      map[string]bool // owner|material
	earlier     map[string]bool // nodes left by earlier runs
	constraints []schema.Discovered
	execs       []string
	commits     []graph.Batch
	cleared     int

	// hook runs before a commit is applied; an error fails the attempt.
	hook func(ctx context.Context, b graph.Batch) error
}

func newMemStore() *memStore {
	return &memStore{
		nodes:   map[string]mapper.NodeWrite{},
		edges:   map[string]merge.EdgeOp{},
		psets:   map[string]mapper.PropertySetWrite{},
		madeOf:  map[string]bool{},
		earlier: map[string]bool{},
	}
}

func (s *memStore) Constraints(context.Context) ([]schema.Discovered, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.constraints), nil
}

func (s *memStore) Indexes(context.Context) ([]schema.Discovered, error) { return nil, nil }

func (s *memStore) Exec(_ context.Context, cypher string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, cypher)
	if f := strings.Fields(cypher); len(f) > 2 && f[0] == "DROP" && f[1] == "CONSTRAINT" {
		s.constraints = slices.DeleteFunc(s.constraints, func(d schema.Discovered) bool { return d.Name == f[2] })
	}
	return nil
}

func (s *memStore) CommitBatch(ctx context.Context, b graph.Batch) (graph.WriteSummary, error) {
	if s.hook != nil {
		if err := s.hook(ctx, b); err != nil {
			return graph.WriteSummary{}, err
		}
	}
	// A cancelled context here would mean the commit was not detached.
	if err := ctx.Err(); err != nil {
		return graph.WriteSummary{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, b)

	var sum graph.WriteSummary
	for _, n := range b.Nodes {
		s.nodes[n.ID] = n
		sum.Nodes++
	}
	for _, ps := range b.PropertySets {
		s.psets[ps.Key] = ps
		sum.PropertySets++
	}
	for _, m := range b.Materials {
		s.madeOf[m.OwnerID+"|"+m.Key] = true
		sum.Materials++
	}
	for _, e := range b.Edges {
		if !s.exists(e.SourceID) || !s.exists(e.TargetID) {
			sum.EdgesUnmatched++
			continue
		}
		s.edges[e.Key] = e
		sum.Edges++
	}
	return sum, nil
}

func (s *memStore) exists(id string) bool {
	_, ok := s.nodes[id]
	return ok || s.earlier[id]
}

func (s *memStore) ClearAll(context.Context, int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.nodes))
	s.cleared++
	s.nodes = map[string]mapper.NodeWrite{}
	s.edges = map[string]merge.EdgeOp{}
	s.psets = map[string]mapper.PropertySetWrite{}
	s.madeOf = map[string]bool{}
	return n, nil
}

func (s *memStore) ExistingIDs(_ context.Context, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]bool{}
	for _, id := range ids {
		if s.exists(id) {
			out[id] = true
		}
	}
	return out, nil
}

// edgeSet renders the stored edges as "SRC-TYPE->TGT/provenance", sorted.
func (s *memStore) edgeSet() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.edges {
		out = append(out, e.SourceID+"-"+e.Type+"->"+e.TargetID+"/"+string(e.Provenance))
	}
	slices.Sort(out)
	return out
}

func (s *memStore) nodeIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.nodes))
}

func (s *memStore) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commits)
}

func hasNode(b graph.Batch, id string) bool {
	return slices.ContainsFunc(b.Nodes, func(n mapper.NodeWrite) bool { return n.ID == id })
}

func hasEdgeType(b graph.Batch, relType string) bool {
	return slices.ContainsFunc(b.Edges, func(e merge.EdgeOp) bool { return e.Type == relType })
}

// topology serves analyzer output held in memory.
type topology string

func (t topology) Facts() iter.Seq2[domain.RelationshipFact, error] {
	return source.ReadFacts(strings.NewReader(string(t)))
}

const buildingModel = `{
  "schema": "IFC4",
  "entities": [
    {"id": "B1", "category": "spatial", "type": "IfcBuilding", "name": "Building"},
    {"id": "S1", "category": "spatial", "type": "IfcBuildingStorey", "name": "Level 1", "container_id": "B1"},
    {"id": "W1", "category": "element", "type": "IfcWall", "name": "Wall 1", "container_id": "S1",
     "attributes": {"LoadBearing": true, "Height": 3.2}},
    {"id": "W2", "category": "element", "type": "IfcWall", "name": "Wall 2", "container_id": "S1"}
  ],
  "property_sets": {"W1": [{"name": "Pset_WallCommon", "properties": {"FireRating": "REI60"}}]},
  "materials": {"W1": [{"name": "Concrete C30"}], "W2": [{"name": "concrete  c30"}]},
  "relations": [{"source": "B1", "target": "S1", "type": "IfcRelAggregates"}]
}`

const buildingTopology = `{"source":"W1","target":"W1","type":"adjacency"}
{"source":"W1","target":"W2","type":"adjacency","attributes":{"sharedFaceCount":1}}
{"source":"W1","target":"W2","type":"adjacency","attributes":{"sharedFaceCount":1}}
`

func parseModel(t *testing.T, doc string) source.Model {
	t.Helper()
	m, err := source.ParseModel([]byte(doc))
	require.NoError(t, err)
	return m
}
