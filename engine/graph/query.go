package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/WessleyAI/gridgraph/engine/domain"
	"github.com/WessleyAI/gridgraph/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
)

// readTx runs work in a read transaction on a fresh session.
func (g *GraphStore) readTx(ctx context.Context, work func(tx CypherRunner) (any, error)) (any, error) {
	sess := g.opener.OpenSession(ctx, neo4j.AccessModeRead)
	defer sess.Close(ctx)
	return sess.ExecuteRead(ctx, work)
}

// requireDiagram returns the Metadata properties of diagramID, or a
// NotFoundError.
func requireDiagram(ctx context.Context, tx CypherRunner, diagramID string) (map[string]any, error) {
	rec, err := single(ctx, tx, fmt.Sprintf(
		"MATCH (m:%s) WHERE %s RETURN properties(m) AS metadata",
		labelMetadata, ScopeFilter("m", "diagram_id")), scopeParams(diagramID))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &domain.NotFoundError{Kind: "diagram", ID: diagramID}
	}
	props, _ := propsOf(get(rec, "metadata"))
	if props == nil {
		props = map[string]any{}
	}
	return props, nil
}

// countByType reads (type, count) rows into a map and returns it with the total.
func countByType(ctx context.Context, tx CypherRunner, cypher string, params map[string]any) (map[string]int64, int64, error) {
	recs, err := collect(ctx, tx, cypher, params)
	if err != nil {
		return nil, 0, err
	}
	counts := make(map[string]int64, len(recs))
	var total int64
	for _, rec := range recs {
		n := i64(get(rec, "count"))
		counts[str(get(rec, "type"))] += n
		total += n
	}
	return counts, total, nil
}

// Summary counts a diagram's nodes and relationships grouped by their
// authored type.
func (g *GraphStore) Summary(ctx context.Context, diagramID string) (res SummaryResult, err error) {
	ctx, done := g.begin(ctx, "summary", attribute.String("diagram.id", diagramID))
	defer func() { done(err) }()

	out, err := g.readTx(ctx, func(tx CypherRunner) (any, error) {
		md, err := requireDiagram(ctx, tx, diagramID)
		if err != nil {
			return nil, err
		}
		s := SummaryResult{
			DiagramID:   diagramID,
			Title:       str(md["title"]),
			ExtractedAt: str(md["extracted_at"]),
			Metadata:    md,
		}
		s.NodeCounts, s.TotalNodes, err = countByType(ctx, tx, fmt.Sprintf(
			"MATCH (n:%s) WHERE %s RETURN n.type AS type, count(n) AS count",
			labelElement, ScopeFilter("n", "diagram_id")), scopeParams(diagramID))
		if err != nil {
			return nil, err
		}
		s.RelationshipCounts, s.TotalRelationships, err = countByType(ctx, tx, fmt.Sprintf(
			"MATCH (:%[1]s)-[r]->(:%[1]s) WHERE %[2]s RETURN r.type AS type, count(r) AS count",
			labelElement, ScopeFilter("r", "diagram_id")), scopeParams(diagramID))
		if err != nil {
			return nil, err
		}
		rec, err := single(ctx, tx, fmt.Sprintf(
			"MATCH (c:%s) WHERE %s RETURN count(c) AS calculations",
			labelCalculations, ScopeFilter("c", "diagram_id")), scopeParams(diagramID))
		if err != nil {
			return nil, err
		}
		s.HasCalculations = rec != nil && i64(get(rec, "calculations")) > 0
		return s, nil
	})
	if err != nil {
		return SummaryResult{}, classify("summary", err)
	}
	return out.(SummaryResult), nil
}

// StoreSummary counts every diagram in the store together.
func (g *GraphStore) StoreSummary(ctx context.Context) (res StoreSummary, err error) {
	ctx, done := g.begin(ctx, "store_summary")
	defer func() { done(err) }()

	out, err := g.readTx(ctx, func(tx CypherRunner) (any, error) {
		var s StoreSummary
		rec, err := single(ctx, tx, fmt.Sprintf("MATCH (m:%s) RETURN count(m) AS diagrams", labelMetadata), nil)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			s.Diagrams = i64(get(rec, "diagrams"))
		}
		s.NodeCounts, s.TotalNodes, err = countByType(ctx, tx, fmt.Sprintf(
			"MATCH (n:%s) RETURN n.type AS type, count(n) AS count", labelElement), nil)
		if err != nil {
			return nil, err
		}
		s.RelationshipCounts, s.TotalRelationships, err = countByType(ctx, tx, fmt.Sprintf(
			"MATCH (:%[1]s)-[r]->(:%[1]s) RETURN r.type AS type, count(r) AS count", labelElement), nil)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		return StoreSummary{}, classify("store_summary", err)
	}
	return out.(StoreSummary), nil
}

// ListDiagrams returns every stored diagram, most recently extracted first,
// ties broken by id. Index is 1-based and stable for a given store state.
func (g *GraphStore) ListDiagrams(ctx context.Context) (recs []DiagramRecord, err error) {
	ctx, done := g.begin(ctx, "list_diagrams")
	defer func() { done(err) }()

	recs, err = g.records.List(ctx, repo.ListOpts{
		Order: []repo.Order{{Key: "extracted_at", Desc: true}, {Key: "diagram_id"}},
	})
	if err != nil {
		return nil, classify("list_diagrams", err)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].ExtractedAt != recs[j].ExtractedAt {
			return recs[i].ExtractedAt > recs[j].ExtractedAt
		}
		return recs[i].DiagramID < recs[j].DiagramID
	})
	for i := range recs {
		recs[i].Index = i + 1
	}
	return recs, nil
}

// ResolveIdentifier accepts a 1-based index from ListDiagrams or a literal
// diagram id and returns the id.
func (g *GraphStore) ResolveIdentifier(ctx context.Context, ident string) (string, error) {
	if n, err := strconv.Atoi(ident); err == nil {
		recs, err := g.ListDiagrams(ctx)
		if err != nil {
			return "", err
		}
		if n < 1 || n > len(recs) {
			return "", &domain.NotFoundError{Kind: "diagram index", ID: ident}
		}
		return recs[n-1].DiagramID, nil
	}

	rec, err := g.records.Get(ctx, ident)
	if errors.Is(err, repo.ErrNotFound) {
		return "", &domain.NotFoundError{Kind: "diagram", ID: ident}
	}
	if err != nil {
		return "", classify("resolve", err)
	}
	return rec.DiagramID, nil
}

// DeleteDiagram removes every element scoped to diagramID, and only those,
// in one transaction. A tombstone keeps the id from being minted again.
func (g *GraphStore) DeleteDiagram(ctx context.Context, diagramID string) (res DeleteResult, err error) {
	ctx, done := g.begin(ctx, "delete_diagram", attribute.String("diagram.id", diagramID))
	defer func() { done(err) }()

	sess := g.opener.OpenSession(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)

	out, err := sess.ExecuteWrite(ctx, func(tx CypherRunner) (any, error) {
		if _, err := requireDiagram(ctx, tx, diagramID); err != nil {
			return nil, err
		}
		var r DeleteResult
		rec, err := single(ctx, tx, fmt.Sprintf(
			"MATCH (n:%s) WHERE %s RETURN count(n) AS nodes",
			labelElement, ScopeFilter("n", "diagram_id")), scopeParams(diagramID))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			r.NodesDeleted = i64(get(rec, "nodes"))
		}
		rec, err = single(ctx, tx, fmt.Sprintf(
			"MATCH ()-[r]->() WHERE %s RETURN count(r) AS relationships",
			ScopeFilter("r", "diagram_id")), scopeParams(diagramID))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			r.RelationshipsDeleted = i64(get(rec, "relationships"))
		}
		if err := drain(ctx, tx, fmt.Sprintf(
			"MATCH (n) WHERE %s AND NOT n:%s DETACH DELETE n",
			ScopeFilter("n", "diagram_id"), labelTombstone), scopeParams(diagramID)); err != nil {
			return nil, err
		}
		if err := drain(ctx, tx, fmt.Sprintf(
			"CREATE (t:%s {diagram_id: $diagram_id, deleted_at: $deleted_at})", labelTombstone),
			map[string]any{"diagram_id": diagramID, "deleted_at": g.now().UTC().Format("2006-01-02T15:04:05Z")},
		); err != nil {
			return nil, err
		}
		r.Deleted = true
		return r, nil
	})
	if err != nil {
		return DeleteResult{}, classify("delete_diagram", err)
	}
	res = out.(DeleteResult)
	g.log.Info("diagram deleted",
		"diagram_id", diagramID,
		"nodes", res.NodesDeleted,
		"relationships", res.RelationshipsDeleted,
	)
	return res, nil
}

// ProtectionSchemes lists PROTECTS relationships leaving relay-category
// nodes (type containing "relay" or "protect", any case), ordered by relay
// id then protected id.
func (g *GraphStore) ProtectionSchemes(ctx context.Context, diagramID string) (recs []ProtectionRecord, err error) {
	ctx, done := g.begin(ctx, "protection_schemes", attribute.String("diagram.id", diagramID))
	defer func() { done(err) }()

	cypher := fmt.Sprintf(`MATCH (relay:%[1]s)-[p:PROTECTS]->(protected:%[1]s)
		WHERE %[2]s AND %[3]s AND %[4]s
		  AND (toLower(relay.type) CONTAINS 'relay' OR toLower(relay.type) CONTAINS 'protect')
		RETURN relay.id AS relay_id,
		       coalesce(relay.description, relay.name) AS relay_description,
		       relay.device_code AS device_code,
		       protected.id AS protected_id,
		       protected.type AS protected_type,
		       protected.name AS protected_name,
		       p.notes AS notes
		ORDER BY relay_id, protected_id`,
		labelElement,
		ScopeFilter("relay", "diagram_id"),
		ScopeFilter("p", "diagram_id"),
		ScopeFilter("protected", "diagram_id"))

	out, err := g.readTx(ctx, func(tx CypherRunner) (any, error) {
		if _, err := requireDiagram(ctx, tx, diagramID); err != nil {
			return nil, err
		}
		rows, err := collect(ctx, tx, cypher, scopeParams(diagramID))
		if err != nil {
			return nil, err
		}
		recs := make([]ProtectionRecord, 0, len(rows))
		for _, rec := range rows {
			recs = append(recs, ProtectionRecord{
				RelayID:          str(get(rec, "relay_id")),
				RelayDescription: str(get(rec, "relay_description")),
				DeviceCode:       str(get(rec, "device_code")),
				ProtectedID:      str(get(rec, "protected_id")),
				ProtectedType:    str(get(rec, "protected_type")),
				ProtectedName:    str(get(rec, "protected_name")),
				Notes:            str(get(rec, "notes")),
			})
		}
		return recs, nil
	})
	if err != nil {
		return nil, classify("protection_schemes", err)
	}
	recs = out.([]ProtectionRecord)
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].RelayID != recs[j].RelayID {
			return recs[i].RelayID < recs[j].RelayID
		}
		return recs[i].ProtectedID < recs[j].ProtectedID
	})
	return recs, nil
}

// Graph returns every node and relationship of a diagram for renderers.
func (g *GraphStore) Graph(ctx context.Context, diagramID string) (data GraphData, err error) {
	ctx, done := g.begin(ctx, "graph", attribute.String("diagram.id", diagramID))
	defer func() { done(err) }()

	out, err := g.readTx(ctx, func(tx CypherRunner) (any, error) {
		md, err := requireDiagram(ctx, tx, diagramID)
		if err != nil {
			return nil, err
		}
		d := GraphData{DiagramID: diagramID, Metadata: md}
		if d.Nodes, err = listNodes(ctx, tx, diagramID, ""); err != nil {
			return nil, err
		}
		if d.Edges, err = listEdges(ctx, tx, diagramID, ""); err != nil {
			return nil, err
		}
		return d, nil
	})
	if err != nil {
		return GraphData{}, classify("graph", err)
	}
	return out.(GraphData), nil
}

// Connections lists the neighbors of one node in both directions.
func (g *GraphStore) Connections(ctx context.Context, diagramID, nodeID string) (conns []Connection, err error) {
	ctx, done := g.begin(ctx, "connections",
		attribute.String("diagram.id", diagramID), attribute.String("node.id", nodeID))
	defer func() { done(err) }()

	out, err := g.readTx(ctx, func(tx CypherRunner) (any, error) {
		if _, err := requireDiagram(ctx, tx, diagramID); err != nil {
			return nil, err
		}
		if err := requireNodes(ctx, tx, diagramID, nodeID); err != nil {
			return nil, err
		}
		params := scopeParams(diagramID)
		params["node_id"] = nodeID
		rows, err := collect(ctx, tx, fmt.Sprintf(`MATCH (n:%[1]s {id: $node_id})-[r]-(m:%[1]s)
			WHERE %[2]s AND %[3]s
			RETURN startNode(r) = n AS outgoing, m.id AS node_id, m.type AS node_type,
			       m.name AS node_name, r.type AS type, r.via AS via`,
			labelElement, ScopeFilter("n", "diagram_id"), ScopeFilter("r", "diagram_id")), params)
		if err != nil {
			return nil, err
		}
		conns := make([]Connection, 0, len(rows))
		for _, rec := range rows {
			dir := "in"
			if boolean(get(rec, "outgoing")) {
				dir = "out"
			}
			conns = append(conns, Connection{
				Direction: dir,
				NodeID:    str(get(rec, "node_id")),
				NodeType:  str(get(rec, "node_type")),
				NodeName:  str(get(rec, "node_name")),
				Type:      str(get(rec, "type")),
				Via:       str(get(rec, "via")),
			})
		}
		return conns, nil
	})
	if err != nil {
		return nil, classify("connections", err)
	}
	conns = out.([]Connection)
	sort.SliceStable(conns, func(i, j int) bool {
		a, b := conns[i], conns[j]
		if a.Direction != b.Direction {
			return a.Direction > b.Direction // "out" before "in"
		}
		if a.NodeID != b.NodeID {
			return a.NodeID < b.NodeID
		}
		return a.Type < b.Type
	})
	return conns, nil
}

// Calculations returns the diagram's calculation block as stored.
func (g *GraphStore) Calculations(ctx context.Context, diagramID string) (raw json.RawMessage, err error) {
	ctx, done := g.begin(ctx, "calculations", attribute.String("diagram.id", diagramID))
	defer func() { done(err) }()

	out, err := g.readTx(ctx, func(tx CypherRunner) (any, error) {
		if _, err := requireDiagram(ctx, tx, diagramID); err != nil {
			return nil, err
		}
		rec, err := single(ctx, tx, fmt.Sprintf("MATCH (c:%s) WHERE %s RETURN c.data AS data",
			labelCalculations, ScopeFilter("c", "diagram_id")), scopeParams(diagramID))
		if err != nil {
			return nil, err
		}
		data := ""
		if rec != nil {
			data = str(get(rec, "data"))
		}
		if data == "" {
			return nil, &domain.NotFoundError{Kind: "calculations", ID: diagramID}
		}
		return json.RawMessage(data), nil
	})
	if err != nil {
		return nil, classify("calculations", err)
	}
	return out.(json.RawMessage), nil
}

// Ontology returns the diagram's stored ontology.
func (g *GraphStore) Ontology(ctx context.Context, diagramID string) (ont domain.Ontology, err error) {
	ctx, done := g.begin(ctx, "ontology", attribute.String("diagram.id", diagramID))
	defer func() { done(err) }()

	out, err := g.readTx(ctx, func(tx CypherRunner) (any, error) {
		rec, err := single(ctx, tx, fmt.Sprintf(
			"MATCH (o:%s) WHERE %s RETURN o.node_types AS node_types, o.edge_types AS edge_types",
			labelOntology, ScopeFilter("o", "diagram_id")), scopeParams(diagramID))
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, &domain.NotFoundError{Kind: "diagram", ID: diagramID}
		}
		var o domain.Ontology
		if err := json.Unmarshal([]byte(str(get(rec, "node_types"))), &o.NodeTypes); err != nil {
			return nil, fmt.Errorf("graph: decode node_types: %w", err)
		}
		if err := json.Unmarshal([]byte(str(get(rec, "edge_types"))), &o.EdgeTypes); err != nil {
			return nil, fmt.Errorf("graph: decode edge_types: %w", err)
		}
		return o, nil
	})
	if err != nil {
		return domain.Ontology{}, classify("ontology", err)
	}
	return out.(domain.Ontology), nil
}
