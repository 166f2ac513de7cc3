package domain

import (
	"regexp"
	"strings"
)

// Material categories, matched by keyword against the material name. Order
// matters: the first category with a matching keyword wins.
var materialCategories = []struct {
	category string
	keywords []string
}{
	{"Concrete", []string{"concrete", "beton", "cement", "screed"}},
	{"Aluminum", []string{"aluminum", "aluminium"}},
	{"Steel", []string{"steel", "stahl", "iron", "metal"}},
	{"Wood", []string{"wood", "timber", "holz", "plywood", "oak", "pine", "lumber"}},
	{"Masonry", []string{"brick", "masonry", "block", "stone", "clay"}},
	{"Glass", []string{"glass", "glazing", "glas"}},
	{"Insulation", []string{"insulation", "mineral wool", "rockwool", "polystyrene", "foam"}},
	{"Plastic", []string{"plastic", "pvc", "polymer", "vinyl"}},
	{"Finish", []string{"paint", "plaster", "gypsum", "render", "finish", "tile"}},
	{"Membrane", []string{"membrane", "bitumen", "vapour", "vapor", "barrier"}},
	{"Composite", []string{"composite", "laminate", "sandwich"}},
}

// MaterialOther is the fallback category.
const MaterialOther = "Other"

// MaterialCategory derives a category from a material name.
func MaterialCategory(name string) string {
	n := NormalizeName(name)
	if n == "" {
		return MaterialOther
	}
	for _, c := range materialCategories {
		for _, kw := range c.keywords {
			if strings.Contains(n, kw) {
				return c.category
			}
		}
	}
	return MaterialOther
}

var identRe = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// PropertyKey turns an arbitrary attribute name into a Cypher-safe property key.
func PropertyKey(name string) string {
	k := identRe.ReplaceAllString(strings.TrimSpace(name), "_")
	k = strings.Trim(k, "_")
	if k == "" {
		return ""
	}
	if k[0] >= '0' && k[0] <= '9' {
		k = "p_" + k
	}
	return k
}

// ValidateFact checks the structural fields of a relationship fact. It does
// not check that the endpoints exist.
func ValidateFact(f RelationshipFact) error {
	src := strings.TrimSpace(f.SourceID)
	tgt := strings.TrimSpace(f.TargetID)
	if src == "" || tgt == "" {
		return NewAnomaly(KindDanglingReference, src+"->"+tgt, "fact endpoint has no id")
	}
	if src == tgt {
		return NewAnomaly(KindSelfRelationship, src, "fact of type "+f.Type+" points at its own source")
	}
	return nil
}

// ValidateLink checks a hierarchy link for empty or self-referencing ends.
func ValidateLink(l HierarchyLink) error {
	if strings.TrimSpace(l.ParentID) == "" || strings.TrimSpace(l.ChildID) == "" {
		return NewAnomaly(KindHierarchyViolation, l.ParentID+"->"+l.ChildID, "link has an empty end")
	}
	if l.ParentID == l.ChildID {
		return NewAnomaly(KindHierarchyViolation, l.ChildID, "container is its own parent")
	}
	return nil
}
