package source

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/WessleyAI/ifcgraph/engine/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleModel = `{
  "schema": "IFC4",
  "entities": [
    {"id": "B1", "category": "spatial", "type": "IfcBuilding", "name": "HQ"},
    {"id": "S1", "category": "spatial", "type": "IfcBuildingStorey", "name": "Level 1", "container_id": "B1"},
    {"id": "W1", "category": "element", "type": "IfcWall", "name": "Wall-01",
     "attributes": {"Height": 3.2, "Count": 4, "LoadBearing": true}, "container_id": "S1"},
    {"id": 12},
    {"id": "", "type": "IfcDoor"}
  ],
  "property_sets": {"W1": [{"name": "Pset_WallCommon", "properties": {"FireRating": "REI60"}}]},
  "materials": {"W1": [{"name": "Concrete C30"}]},
  "hierarchy": [{"parent": "B1", "child": "S1"}],
  "relations": [
    {"source": "S1", "target": "W1", "type": "IfcRelContainedInSpatialStructure", "provenance": "geometry-analysis"}
  ]
}`

func TestParseModel(t *testing.T) {
	m, err := ParseModel([]byte(sampleModel))
	require.NoError(t, err)
	assert.Equal(t, "IFC4", m.Schema)

	var ids []string
	var anomalies []*domain.Anomaly
	for e, err := range m.Entities() {
		if err != nil {
			a, ok := domain.AsAnomaly(err)
			require.True(t, ok)
			anomalies = append(anomalies, a)
			continue
		}
		ids = append(ids, e.ID)
		if e.ID == "W1" {
			assert.Equal(t, json.Number("4"), e.Attributes["Count"])
			assert.Equal(t, "S1", e.ContainerID)
		}
	}
	assert.Equal(t, []string{"B1", "S1", "W1", ""}, ids, "empty ids are the resolver's concern")
	require.Len(t, anomalies, 1)
	assert.Equal(t, "entity#3", anomalies[0].ID)

	assert.Len(t, m.PropertySets("W1"), 1)
	assert.Nil(t, m.PropertySets("S1"))
	assert.Equal(t, "Concrete C30", m.Materials("W1")[0].Name)

	assert.Equal(t, []domain.HierarchyLink{{ParentID: "B1", ChildID: "S1"}}, m.Hierarchy())

	var rels []domain.RelationshipFact
	for f, err := range m.Relations() {
		require.NoError(t, err)
		rels = append(rels, f)
	}
	require.Len(t, rels, 1)
	assert.Equal(t, domain.ProvenanceExplicit, rels[0].Provenance, "declared relations are always explicit")
}

func TestModel_HierarchyIsDeclaredLinksTrimmed(t *testing.T) {
	m, err := ParseModel([]byte(`{
		"entities": [
			{"id": "P", "category": "spatial", "type": "IfcProject"},
			{"id": "B", "type": "IfcBuilding", "container_id": "P"}
		],
		"hierarchy": [{"parent": " P ", "child": "B"}, {"parent": "P", "child": "B "}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, []domain.HierarchyLink{{ParentID: "P", ChildID: "B"}}, m.Hierarchy(),
		"container ids are left to the resolver, which knows the category")
}

func TestModel_UndecodableEntityKeepsID(t *testing.T) {
	m, err := ParseModel([]byte(`{"entities": [
		{"id": " W9 ", "type": "IfcWall", "attributes": "not an object"},
		{"id": 7, "type": "IfcWall"}
	]}`))
	require.NoError(t, err)

	var errs []error
	for _, err := range m.Entities() {
		errs = append(errs, err)
	}
	require.Len(t, errs, 2)

	var bad *UndecodableEntity
	require.ErrorAs(t, errs[0], &bad)
	assert.Equal(t, "W9", bad.ID)
	a, ok := domain.AsAnomaly(errs[0])
	require.True(t, ok)
	assert.Equal(t, domain.KindUnsupportedValue, a.Kind)
	assert.Equal(t, "W9", a.ID)

	assert.False(t, errors.As(errs[1], &bad), "a numeric id is not recoverable")
	a, ok = domain.AsAnomaly(errs[1])
	require.True(t, ok)
	assert.Equal(t, "entity#1", a.ID)
}

func TestModel_StopsEarly(t *testing.T) {
	m, err := ParseModel([]byte(sampleModel))
	require.NoError(t, err)
	n := 0
	for range m.Entities() {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestOpenModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleModel), 0o644))
	m, err := OpenModel(path)
	require.NoError(t, err)
	assert.Equal(t, path, m.Path)

	_, err = OpenModel(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	_, err = OpenModel(bad)
	assert.ErrorContains(t, err, "bad.json")
}

func TestReadFacts(t *testing.T) {
	in := strings.Join([]string{
		`{"source":"W1","target":"W2","type":"adjacency","attributes":{"sharedFaceCount":2}}`,
		``,
		`not json`,
		`{"source":"S1","target":"W1","type":"space-boundary","provenance":"explicit-model"}`,
	}, "\n")

	var facts []domain.RelationshipFact
	var bad []string
	for f, err := range ReadFacts(strings.NewReader(in)) {
		if err != nil {
			a, ok := domain.AsAnomaly(err)
			require.True(t, ok)
			bad = append(bad, a.ID)
			continue
		}
		facts = append(facts, f)
	}
	require.Len(t, facts, 2)
	assert.Equal(t, []string{"line 3"}, bad)
	for _, f := range facts {
		assert.Equal(t, domain.ProvenanceDerived, f.Provenance)
	}
	assert.Equal(t, json.Number("2"), facts[0].Attributes["sharedFaceCount"])
}

func TestResolveTopology(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"source":"A","target":"B","type":"adjacency"}`+"\n"), 0o644))

	assert.Nil(t, ResolveTopology(false, path, nil))
	assert.Nil(t, ResolveTopology(true, filepath.Join(dir, "absent.jsonl"), nil))

	topo := ResolveTopology(true, path, nil)
	require.NotNil(t, topo)
	n := 0
	for f, err := range topo.Facts() {
		require.NoError(t, err)
		assert.Equal(t, "A", f.SourceID)
		n++
	}
	assert.Equal(t, 1, n)
}

func TestTopologyFile_MissingAtReadTime(t *testing.T) {
	topo := TopologyFile{Path: filepath.Join(t.TempDir(), "gone.jsonl")}
	var errs []error
	for _, err := range topo.Facts() {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	_, isAnomaly := domain.AsAnomaly(errs[0])
	assert.False(t, isAnomaly, "a vanished file ends the stream")
}
