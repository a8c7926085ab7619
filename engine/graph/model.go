package graph

import (
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// StoreOptions controls a Store call.
type StoreOptions struct {
	// Clear wipes the whole store in the same transaction that writes the
	// diagram, so a failed store leaves the old contents in place. It needs
	// exclusive access.
	Clear bool
}

// StorageResult reports what one Store call wrote.
type StorageResult struct {
	DiagramID            string `json:"diagram_id"`
	NodesCreated         int    `json:"nodes_created"`
	RelationshipsCreated int    `json:"relationships_created"`
	MetadataStored       bool   `json:"metadata_stored"`
	OntologyStored       bool   `json:"ontology_stored"`
	CalculationsStored   bool   `json:"calculations_stored"`
}

// DiagramRecord is the listing view of one stored diagram.
type DiagramRecord struct {
	Index           int      `json:"index"`
	DiagramID       string   `json:"diagram_id"`
	Title           string   `json:"title"`
	SourceReference string   `json:"source_reference,omitempty"`
	ExtractedAt     string   `json:"extracted_at,omitempty"`
	Notes           []string `json:"notes,omitempty"`
}

// SummaryResult counts one diagram's contents by authored type.
type SummaryResult struct {
	DiagramID          string           `json:"diagram_id"`
	Title              string           `json:"title"`
	ExtractedAt        string           `json:"extracted_at,omitempty"`
	NodeCounts         map[string]int64 `json:"node_counts"`
	RelationshipCounts map[string]int64 `json:"relationship_counts"`
	TotalNodes         int64            `json:"total_nodes"`
	TotalRelationships int64            `json:"total_relationships"`
	HasCalculations    bool             `json:"has_calculations"`
	Metadata           map[string]any   `json:"metadata"`
}

// StoreSummary counts the whole store across diagrams.
type StoreSummary struct {
	Diagrams           int64            `json:"diagrams"`
	NodeCounts         map[string]int64 `json:"node_counts"`
	RelationshipCounts map[string]int64 `json:"relationship_counts"`
	TotalNodes         int64            `json:"total_nodes"`
	TotalRelationships int64            `json:"total_relationships"`
}

// DeleteResult reports what DeleteDiagram removed.
type DeleteResult struct {
	Deleted              bool  `json:"deleted"`
	NodesDeleted         int64 `json:"nodes_deleted"`
	RelationshipsDeleted int64 `json:"relationships_deleted"`
}

// ProtectionRecord is one relay-to-protected-equipment relationship.
type ProtectionRecord struct {
	RelayID          string `json:"relay_id"`
	RelayDescription string `json:"relay_description,omitempty"`
	DeviceCode       string `json:"device_code,omitempty"`
	ProtectedID      string `json:"protected_id"`
	ProtectedType    string `json:"protected_type"`
	ProtectedName    string `json:"protected_name,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

// GraphNode is one component as a renderer sees it.
type GraphNode struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Label      string         `json:"label"`
	Name       string         `json:"name,omitempty"`
	Properties map[string]any `json:"properties"`
}

// GraphEdge is one connection as a renderer sees it.
type GraphEdge struct {
	From       string         `json:"from"`
	To         string         `json:"to"`
	Type       string         `json:"type"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties"`
}

// TypeCount is one row of a per-type tally.
type TypeCount struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// GraphData is a whole diagram for renderers.
type GraphData struct {
	DiagramID string         `json:"diagram_id"`
	Metadata  map[string]any `json:"metadata"`
	Nodes     []GraphNode    `json:"nodes"`
	Edges     []GraphEdge    `json:"edges"`
}

// Connection is one neighbor of a node.
type Connection struct {
	Direction string `json:"direction"` // "out" or "in"
	NodeID    string `json:"node_id"`
	NodeType  string `json:"node_type"`
	NodeName  string `json:"node_name,omitempty"`
	Type      string `json:"type"`
	Via       string `json:"via,omitempty"`
}

// recordFromRow reads a Metadata element returned as column "n".
func recordFromRow(rec *neo4j.Record) (DiagramRecord, error) {
	v, ok := rec.Get("n")
	if !ok {
		return DiagramRecord{}, fmt.Errorf("graph: metadata row has no n column")
	}
	props, ok := propsOf(v)
	if !ok {
		return DiagramRecord{}, fmt.Errorf("graph: unexpected metadata value %T", v)
	}
	return DiagramRecord{
		DiagramID:       str(props["diagram_id"]),
		Title:           str(props["title"]),
		SourceReference: str(props["source_image"]),
		ExtractedAt:     str(props["extracted_at"]),
		Notes:           strs(props["notes"]),
	}, nil
}

// propsOf returns the property map of a node, relationship or plain map.
func propsOf(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case dbtype.Node:
		return x.Props, true
	case *dbtype.Node:
		return x.Props, x != nil
	case dbtype.Relationship:
		return x.Props, true
	case map[string]any:
		return x, true
	default:
		return nil, false
	}
}

func get(rec *neo4j.Record, key string) any {
	v, _ := rec.Get(key)
	return v
}

func str(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

func strs(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, str(e))
		}
		return out
	case string:
		return []string{x}
	default:
		return nil
	}
}

func i64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}
