package mapper

import (
	"testing"

	"github.com/WessleyAI/ifcgraph/engine/domain"
	"github.com/WessleyAI/ifcgraph/engine/identity"
	"github.com/WessleyAI/ifcgraph/engine/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolve(t *testing.T, e domain.Entity) identity.Identity {
	t.Helper()
	id, err := identity.NewResolver(schema.Default()).Resolve(e)
	require.NoError(t, err)
	return id
}

func TestMapEntity_Node(t *testing.T) {
	m := New(schema.Default())
	e := domain.Entity{
		ID:          "W1",
		Type:        "IfcWall",
		Name:        "Basic Wall:Interior",
		ContainerID: "S1",
		Attributes: map[string]any{
			"LoadBearing": true,
			"Height":      2.7,
			"Tag":         "123",
			"GlobalId":    "spoofed",
		},
	}
	op, anomalies := m.MapEntity(e, resolve(t, e), nil, nil)
	require.Empty(t, anomalies)

	assert.Equal(t, "W1", op.Node.ID)
	assert.Equal(t, []string{"Entity", "Element", "Wall"}, op.Node.Labels)
	assert.Equal(t, "S1", op.ContainerID)
	assert.Equal(t, domain.String("W1"), op.Node.Props[schema.PropID], "attributes must not override the id")
	assert.Equal(t, domain.String("spoofed"), op.Node.Props["attr_GlobalId"])
	assert.Equal(t, domain.Bool(true), op.Node.Props["LoadBearing"])
	assert.Equal(t, domain.Float(2.7), op.Node.Props["Height"])
	assert.Equal(t, domain.String("Basic Wall:Interior"), op.Node.Props[schema.PropName])
	assert.Equal(t, domain.Int(schema.ClassificationVersion), op.Node.Props[schema.PropVersion])
}

func TestMapEntity_SpatialHasNoContainer(t *testing.T) {
	m := New(schema.Default())
	e := domain.Entity{ID: "S1", Type: "IfcBuildingStorey", ContainerID: "B1"}
	op, _ := m.MapEntity(e, resolve(t, e), nil, nil)
	assert.Empty(t, op.ContainerID, "spatial parents come from the hierarchy, not the entity")
	assert.Equal(t, domain.CategorySpatial, op.Category)
}

func TestMapEntity_UnsupportedValueCoerced(t *testing.T) {
	m := New(schema.Default())
	e := domain.Entity{
		ID:   "W1",
		Type: "IfcWall",
		Attributes: map[string]any{
			"Profile": map[string]any{"w": 1.0},
			"Layers":  []any{"a", "b"},
			"Empty":   nil,
		},
	}
	op, anomalies := m.MapEntity(e, resolve(t, e), nil, nil)
	require.Len(t, anomalies, 2)
	for _, a := range anomalies {
		assert.Equal(t, domain.KindUnsupportedValue, a.Kind)
		assert.Equal(t, "W1", a.ID)
	}
	assert.Equal(t, domain.String(`{"w":1}`), op.Node.Props["Profile"])
	assert.Equal(t, domain.String(`["a","b"]`), op.Node.Props["Layers"])
	_, hasEmpty := op.Node.Props["Empty"]
	assert.False(t, hasEmpty, "null attributes are dropped")
}

func TestMapEntity_PropertySets(t *testing.T) {
	m := New(schema.Default())
	e := domain.Entity{ID: "W1", Type: "IfcWall"}
	psets := []domain.PropertySet{
		{Name: "Pset_WallCommon", Properties: map[string]any{"FireRating": "F90", "IsExternal": false}},
		{Name: "Pset_WallCommon", Properties: map[string]any{"AcousticRating": "45dB"}},
		{Name: "Dimensions", Properties: map[string]any{"Length": 4.2, "key": "x"}},
	}
	op, anomalies := m.MapEntity(e, resolve(t, e), psets, nil)
	require.Empty(t, anomalies)
	require.Len(t, op.PropertySets, 2, "sets with the same name collapse")

	common := op.PropertySets[0]
	assert.Equal(t, "W1/Pset_WallCommon", common.Key)
	assert.Equal(t, "W1", common.OwnerID)
	assert.Len(t, common.Props, 3)

	dims := op.PropertySets[1]
	assert.Equal(t, domain.String("x"), dims.Props["prop_key"])
	_, clobbered := dims.Props[schema.PropKey]
	assert.False(t, clobbered)
}

func TestMapEntity_MaterialsDeduplicated(t *testing.T) {
	m := New(schema.Default())
	e := domain.Entity{ID: "W1", Type: "IfcWall"}
	mats := []domain.Material{
		{Name: "Concrete C30"},
		{Name: "concrete  c30", Category: "Concrete"},
		{Name: "Gypsum Board"},
		{Name: "   "},
	}
	op, _ := m.MapEntity(e, resolve(t, e), nil, mats)
	require.Len(t, op.Materials, 2)
	assert.Equal(t, "Concrete", op.Materials[0].Category)
	assert.Equal(t, "concrete c30|Concrete", op.Materials[0].Key)
	assert.Equal(t, "Finish", op.Materials[1].Category)
}

func TestMapEntity_Deterministic(t *testing.T) {
	m := New(schema.Default())
	e := domain.Entity{ID: "W1", Type: "IfcWall", Attributes: map[string]any{"b": 1, "a": 2, "c": []any{1}}}
	op1, an1 := m.MapEntity(e, resolve(t, e), nil, nil)
	op2, an2 := m.MapEntity(e, resolve(t, e), nil, nil)
	assert.Equal(t, op1, op2)
	assert.Equal(t, an1, an2)
}
