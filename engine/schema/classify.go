package schema

import (
	"strings"

	"github.com/WessleyAI/ifcgraph/engine/domain"
)

// ClassificationVersion is stamped on every node so that a later table
// revision can find nodes written under an older one.
const ClassificationVersion = 2

// Classification is the resolved category and ordered label set of an IFC
// type tag, most general label first.
type Classification struct {
	Category domain.Category
	Labels   []string
}

// Specific returns the most specific label.
func (c Classification) Specific() string {
	return c.Labels[len(c.Labels)-1]
}

var spatialTypes = map[string]string{
	"IfcProject":        "Project",
	"IfcSite":           "Site",
	"IfcBuilding":       "Building",
	"IfcBuildingStorey": "Storey",
	"IfcSpace":          "Space",
}

var elementTypes = map[string]string{
	"IfcWall":                 "Wall",
	"IfcWallStandardCase":     "Wall",
	"IfcCurtainWall":          "Wall",
	"IfcWindow":               "Window",
	"IfcDoor":                 "Door",
	"IfcSlab":                 "Slab",
	"IfcRoof":                 "Roof",
	"IfcBeam":                 "Beam",
	"IfcColumn":               "Column",
	"IfcMember":               "Member",
	"IfcPlate":                "Plate",
	"IfcRailing":              "Railing",
	"IfcStair":                "Stair",
	"IfcStairFlight":          "Stair",
	"IfcRamp":                 "Ramp",
	"IfcCovering":             "Covering",
	"IfcFurniture":            "Furniture",
	"IfcFurnishingElement":    "Furniture",
	"IfcOpeningElement":       "Opening",
	"IfcBuildingElementProxy": "Proxy",
}

var typeObjects = []string{
	"IfcElementType", "IfcWallType", "IfcDoorType", "IfcWindowType", "IfcSlabType",
}

func classificationTable() map[string]Classification {
	t := make(map[string]Classification)
	for tag, label := range spatialTypes {
		t[strings.ToLower(tag)] = Classification{
			Category: domain.CategorySpatial,
			Labels:   []string{LabelEntity, LabelSpatial, label},
		}
	}
	for tag, label := range elementTypes {
		t[strings.ToLower(tag)] = Classification{
			Category: domain.CategoryElement,
			Labels:   []string{LabelEntity, LabelElement, label},
		}
	}
	for _, tag := range typeObjects {
		t[strings.ToLower(tag)] = Classification{
			Category: domain.CategoryType,
			Labels:   []string{LabelEntity, LabelType},
		}
	}
	return t
}

// Classify returns the label set for an IFC type tag. Tags missing from the
// table fall back on the category the parser reported.
func (r *Registry) Classify(ifcType string, fallback domain.Category) Classification {
	if c, ok := r.classes[strings.ToLower(strings.TrimSpace(ifcType))]; ok {
		return Classification{Category: c.Category, Labels: append([]string(nil), c.Labels...)}
	}
	switch fallback {
	case domain.CategorySpatial:
		return Classification{Category: domain.CategorySpatial, Labels: []string{LabelEntity, LabelSpatial}}
	case domain.CategoryType:
		return Classification{Category: domain.CategoryType, Labels: []string{LabelEntity, LabelType}}
	default:
		return Classification{Category: domain.CategoryElement, Labels: []string{LabelEntity, LabelElement}}
	}
}
