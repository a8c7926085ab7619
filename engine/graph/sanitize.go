package graph

import (
	"strings"

	"github.com/WessleyAI/gridgraph/engine/domain"
)

// Labels the engine owns. A component type that sanitizes to one of these
// is stored under "<Label>_Node" so it cannot be mistaken for bookkeeping.
const (
	labelMetadata     = "Metadata"
	labelOntology     = "Ontology"
	labelCalculations = "Calculations"
	labelElement      = "DiagramElement"
	labelTombstone    = "DiagramTombstone"
)

var reservedLabels = map[string]bool{
	labelMetadata:     true,
	labelOntology:     true,
	labelCalculations: true,
	labelElement:      true,
	labelTombstone:    true,
}

// SanitizeLabel maps a free-form type name to a Cypher identifier usable as
// a node label or relationship type. Every rune outside [A-Za-z0-9_] becomes
// '_', case is kept, and a leading digit is prefixed with '_'.
func SanitizeLabel(typeName string) string {
	if typeName == "" {
		return "Unknown"
	}
	var b strings.Builder
	b.Grow(len(typeName) + 1)
	for i, r := range typeName {
		if i == 0 && r >= '0' && r <= '9' {
			b.WriteByte('_')
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// nodeLabel is SanitizeLabel plus the reserved-label guard.
func nodeLabel(typeName string) string {
	l := SanitizeLabel(typeName)
	if reservedLabels[l] {
		return l + "_Node"
	}
	return l
}

// CoerceProperty converts an attribute value to a storable property. Nested
// values become their compact JSON text. ok is false for null, which callers
// omit instead of storing.
func CoerceProperty(v domain.Value) (any, bool) {
	if v.IsNull() {
		return nil, false
	}
	return v.Interface(), true
}

// CoerceAttrs converts an attribute map, dropping nulls. Keys are kept as
// authored.
func CoerceAttrs(attrs map[string]domain.Value) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if p, ok := CoerceProperty(v); ok {
			out[k] = p
		}
	}
	return out
}

// nodeProps builds the property map for one node. Engine-owned keys win over
// attributes with the same name.
func nodeProps(diagramID string, n domain.Node) map[string]any {
	props := CoerceAttrs(n.Attrs)
	props["id"] = n.ID
	props["diagram_id"] = diagramID
	props["type"] = n.Type
	if n.Name != "" {
		props["name"] = n.Name
	} else {
		delete(props, "name")
	}
	return props
}

func relProps(diagramID string, e domain.Edge) map[string]any {
	props := CoerceAttrs(e.Attrs)
	props["diagram_id"] = diagramID
	props["type"] = e.Type
	for key, val := range map[string]string{"via": e.Via, "notes": e.Notes} {
		if val != "" {
			props[key] = val
		} else {
			delete(props, key)
		}
	}
	return props
}
