package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// ParseDocument decodes a diagram document and validates it. Any decode
// failure is reported as a ValidationError.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return Document{}, ve
		}
		return Document{}, NewValidationError("document", err.Error(), ErrMalformed)
	}
	if err := ValidateDocument(doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// LoadDocument reads and parses a document from disk.
func LoadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("load document: %w", err)
	}
	return ParseDocument(data)
}

// NodeByID returns the node with the given id.
func (d Document) NodeByID(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// NodesOfType returns the nodes whose type equals typ.
func (d Document) NodesOfType(typ string) []Node {
	var out []Node
	for _, n := range d.Nodes {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

// EdgesOfType returns the edges whose type equals typ.
func (d Document) EdgesOfType(typ string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// EdgesFrom returns the edges leaving node id.
func (d Document) EdgesFrom(id string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// EdgesTo returns the edges arriving at node id.
func (d Document) EdgesTo(id string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	return out
}

// LocalSummary counts a document's contents without touching a store.
type LocalSummary struct {
	Title           string         `json:"title"`
	TotalNodes      int            `json:"total_nodes"`
	TotalEdges      int            `json:"total_edges"`
	NodeCounts      map[string]int `json:"node_counts"`
	EdgeCounts      map[string]int `json:"edge_counts"`
	HasCalculations bool           `json:"has_calculations"`
}

// Summarize returns type counts for the document.
func (d Document) Summarize() LocalSummary {
	s := LocalSummary{
		Title:           d.Metadata.Title,
		TotalNodes:      len(d.Nodes),
		TotalEdges:      len(d.Edges),
		NodeCounts:      make(map[string]int),
		EdgeCounts:      make(map[string]int),
		HasCalculations: !d.Calculations.IsZero(),
	}
	for _, n := range d.Nodes {
		s.NodeCounts[n.Type]++
	}
	for _, e := range d.Edges {
		s.EdgeCounts[e.Type]++
	}
	return s
}

// Undeclared lists, per type, attribute names used in the document that the
// ontology does not declare. Types missing from the ontology are reported
// with all their attributes. Informational only.
func (d Document) Undeclared() map[string][]string {
	out := make(map[string][]string)
	add := func(typ string, declared map[string]TypeDef, attrs map[string]Value) {
		known := make(map[string]bool)
		for _, a := range declared[typ].Attrs {
			known[a] = true
		}
		for k := range attrs {
			if !known[k] && !contains(out[typ], k) {
				out[typ] = append(out[typ], k)
			}
		}
	}
	for _, n := range d.Nodes {
		add(n.Type, d.Ontology.NodeTypes, n.Attrs)
	}
	for _, e := range d.Edges {
		add(e.Type, d.Ontology.EdgeTypes, e.Attrs)
	}
	for typ, names := range out {
		if len(names) == 0 {
			delete(out, typ)
			continue
		}
		sort.Strings(names)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
