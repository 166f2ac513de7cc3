// Package mapper turns resolved building-model entities into graph write
// operations. It is pure: nothing here talks to the database.
package mapper

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/WessleyAI/ifcgraph/engine/domain"
	"github.com/WessleyAI/ifcgraph/engine/identity"
	"github.com/WessleyAI/ifcgraph/engine/schema"
)

// NodeWrite upserts one entity node keyed by its external id.
type NodeWrite struct {
	ID     string
	Labels []string
	Props  map[string]domain.Value
}

// PropertySetWrite replaces one property set of one owner.
type PropertySetWrite struct {
	Key     string
	OwnerID string
	Name    string
	Props   map[string]domain.Value
}

// MaterialWrite upserts a shared material and attaches it to the owner.
type MaterialWrite struct {
	Key      string
	Name     string
	Category string
}

// WriteOp is everything written for one entity.
type WriteOp struct {
	Node         NodeWrite
	Category     domain.Category
	PropertySets []PropertySetWrite
	Materials    []MaterialWrite
	ContainerID  string // containing spatial node for elements
}

var reservedNodeProps = map[string]bool{
	schema.PropID:       true,
	schema.PropIfcType:  true,
	schema.PropCategory: true,
	schema.PropVersion:  true,
}

var reservedSetProps = map[string]bool{
	schema.PropKey:   true,
	schema.PropOwner: true,
	schema.PropName:  true,
}

// Mapper builds WriteOps. It holds no mutable state.
type Mapper struct {
	version int
}

// New creates a Mapper stamping nodes with the registry's table version.
func New(reg *schema.Registry) *Mapper {
	return &Mapper{version: reg.Version}
}

// MapEntity builds the write operation for one resolved entity. Values that
// are not typed scalars are coerced to strings and reported as anomalies;
// they never fail the entity.
func (m *Mapper) MapEntity(e domain.Entity, id identity.Identity, psets []domain.PropertySet, mats []domain.Material) (WriteOp, []*domain.Anomaly) {
	var anomalies []*domain.Anomaly

	props := map[string]domain.Value{
		schema.PropID:       domain.String(id.ID),
		schema.PropIfcType:  domain.String(e.Type),
		schema.PropCategory: domain.String(string(id.Category)),
		schema.PropVersion:  domain.Int(int64(m.version)),
	}
	if name := strings.TrimSpace(e.Name); name != "" {
		props[schema.PropName] = domain.String(name)
	}
	for _, k := range slices.Sorted(maps.Keys(e.Attributes)) {
		key := domain.PropertyKey(k)
		if key == "" {
			continue
		}
		if reservedNodeProps[key] {
			key = "attr_" + key
		}
		if key == schema.PropName {
			if _, set := props[schema.PropName]; set {
				continue
			}
		}
		v, ok, err := domain.ValueOf(e.Attributes[k])
		if err != nil {
			anomalies = append(anomalies, domain.NewAnomaly(domain.KindUnsupportedValue, id.ID, fmt.Sprintf("attribute %s: %v", k, err)))
		}
		if ok {
			props[key] = v
		}
	}

	op := WriteOp{
		Node:     NodeWrite{ID: id.ID, Labels: id.Labels, Props: props},
		Category: id.Category,
	}
	if id.Category != domain.CategorySpatial {
		op.ContainerID = strings.TrimSpace(e.ContainerID)
	}

	op.PropertySets, anomalies = m.mapPropertySets(id.ID, psets, anomalies)
	op.Materials = mapMaterials(mats)
	return op, anomalies
}

// PropertySetKey is the node key of an owner's named property set.
func PropertySetKey(ownerID, name string) string {
	return ownerID + "/" + name
}

func (m *Mapper) mapPropertySets(owner string, psets []domain.PropertySet, anomalies []*domain.Anomaly) ([]PropertySetWrite, []*domain.Anomaly) {
	if len(psets) == 0 {
		return nil, anomalies
	}
	byName := make(map[string]*PropertySetWrite, len(psets))
	var order []string
	for _, ps := range psets {
		name := strings.TrimSpace(ps.Name)
		if name == "" {
			name = "Default"
		}
		w, ok := byName[name]
		if !ok {
			w = &PropertySetWrite{
				Key:     PropertySetKey(owner, name),
				OwnerID: owner,
				Name:    name,
				Props:   make(map[string]domain.Value, len(ps.Properties)),
			}
			byName[name] = w
			order = append(order, name)
		}
		for _, k := range slices.Sorted(maps.Keys(ps.Properties)) {
			key := domain.PropertyKey(k)
			if key == "" {
				continue
			}
			if reservedSetProps[key] {
				key = "prop_" + key
			}
			v, ok, err := domain.ValueOf(ps.Properties[k])
			if err != nil {
				anomalies = append(anomalies, domain.NewAnomaly(domain.KindUnsupportedValue, owner,
					fmt.Sprintf("property %s.%s: %v", name, k, err)))
			}
			if ok {
				w.Props[key] = v
			}
		}
	}
	out := make([]PropertySetWrite, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out, anomalies
}

func mapMaterials(mats []domain.Material) []MaterialWrite {
	var out []MaterialWrite
	seen := make(map[string]bool, len(mats))
	for _, mat := range mats {
		name := strings.TrimSpace(mat.Name)
		if name == "" {
			continue
		}
		cat := strings.TrimSpace(mat.Category)
		if cat == "" {
			cat = domain.MaterialCategory(name)
		}
		key := domain.Material{Name: name, Category: cat}.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, MaterialWrite{Key: key, Name: name, Category: cat})
	}
	return out
}
