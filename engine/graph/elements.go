package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/WessleyAI/gridgraph/engine/domain"
	"go.opentelemetry.io/otel/attribute"
)

// listNodes reads a diagram's elements ordered by id. nodeType, when
// non-empty, keeps only nodes whose authored type or label equals it.
func listNodes(ctx context.Context, tx CypherRunner, diagramID, nodeType string) ([]GraphNode, error) {
	params := scopeParams(diagramID)
	where := ScopeFilter("n", "diagram_id")
	if nodeType != "" {
		params["node_type"] = nodeType
		where += " AND (n.type = $node_type OR $node_type IN labels(n))"
	}
	recs, err := collect(ctx, tx, fmt.Sprintf(`MATCH (n:%[1]s) WHERE %[2]s
		RETURN properties(n) AS props, [l IN labels(n) WHERE l <> '%[1]s'][0] AS label
		ORDER BY n.id`, labelElement, where), params)
	if err != nil {
		return nil, err
	}
	nodes := make([]GraphNode, 0, len(recs))
	for _, rec := range recs {
		props, _ := propsOf(get(rec, "props"))
		nodes = append(nodes, GraphNode{
			ID:         str(props["id"]),
			Type:       str(props["type"]),
			Label:      str(get(rec, "label")),
			Name:       str(props["name"]),
			Properties: props,
		})
	}
	return nodes, nil
}

// listEdges reads a diagram's relationships ordered by endpoints. edgeType,
// when non-empty, keeps only relationships whose authored type or storage
// type equals it.
func listEdges(ctx context.Context, tx CypherRunner, diagramID, edgeType string) ([]GraphEdge, error) {
	params := scopeParams(diagramID)
	where := ScopeFilter("r", "diagram_id")
	if edgeType != "" {
		params["edge_type"] = edgeType
		where += " AND (r.type = $edge_type OR type(r) = $edge_type)"
	}
	recs, err := collect(ctx, tx, fmt.Sprintf(`MATCH (a:%[1]s)-[r]->(b:%[1]s) WHERE %[2]s
		RETURN a.id AS from, b.id AS to, type(r) AS label, properties(r) AS props
		ORDER BY from, to, label`, labelElement, where), params)
	if err != nil {
		return nil, err
	}
	edges := make([]GraphEdge, 0, len(recs))
	for _, rec := range recs {
		props, _ := propsOf(get(rec, "props"))
		edges = append(edges, GraphEdge{
			From:       str(get(rec, "from")),
			To:         str(get(rec, "to")),
			Type:       str(props["type"]),
			Label:      str(get(rec, "label")),
			Properties: props,
		})
	}
	return edges, nil
}

// Nodes lists a diagram's components, optionally of one type.
func (g *GraphStore) Nodes(ctx context.Context, diagramID, nodeType string) (nodes []GraphNode, err error) {
	ctx, done := g.begin(ctx, "nodes",
		attribute.String("diagram.id", diagramID), attribute.String("node.type", nodeType))
	defer func() { done(err) }()

	out, err := g.readTx(ctx, func(tx CypherRunner) (any, error) {
		if _, err := requireDiagram(ctx, tx, diagramID); err != nil {
			return nil, err
		}
		return listNodes(ctx, tx, diagramID, nodeType)
	})
	if err != nil {
		return nil, classify("nodes", err)
	}
	return out.([]GraphNode), nil
}

// Node returns one component of a diagram.
func (g *GraphStore) Node(ctx context.Context, diagramID, nodeID string) (node GraphNode, err error) {
	ctx, done := g.begin(ctx, "node",
		attribute.String("diagram.id", diagramID), attribute.String("node.id", nodeID))
	defer func() { done(err) }()

	out, err := g.readTx(ctx, func(tx CypherRunner) (any, error) {
		if _, err := requireDiagram(ctx, tx, diagramID); err != nil {
			return nil, err
		}
		params := scopeParams(diagramID)
		params["node_id"] = nodeID
		rec, err := single(ctx, tx, fmt.Sprintf(`MATCH (n:%[1]s {id: $node_id}) WHERE %[2]s
			RETURN properties(n) AS props, [l IN labels(n) WHERE l <> '%[1]s'][0] AS label`,
			labelElement, ScopeFilter("n", "diagram_id")), params)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, &domain.NotFoundError{Kind: "node", ID: nodeID}
		}
		props, _ := propsOf(get(rec, "props"))
		return GraphNode{
			ID:         str(props["id"]),
			Type:       str(props["type"]),
			Label:      str(get(rec, "label")),
			Name:       str(props["name"]),
			Properties: props,
		}, nil
	})
	if err != nil {
		return GraphNode{}, classify("node", err)
	}
	return out.(GraphNode), nil
}

// Edges lists a diagram's connections, optionally of one type.
func (g *GraphStore) Edges(ctx context.Context, diagramID, edgeType string) (edges []GraphEdge, err error) {
	ctx, done := g.begin(ctx, "edges",
		attribute.String("diagram.id", diagramID), attribute.String("edge.type", edgeType))
	defer func() { done(err) }()

	out, err := g.readTx(ctx, func(tx CypherRunner) (any, error) {
		if _, err := requireDiagram(ctx, tx, diagramID); err != nil {
			return nil, err
		}
		return listEdges(ctx, tx, diagramID, edgeType)
	})
	if err != nil {
		return nil, classify("edges", err)
	}
	return out.([]GraphEdge), nil
}

// EdgeTypes counts a diagram's connections by authored type, most common
// first and ties by name.
func (g *GraphStore) EdgeTypes(ctx context.Context, diagramID string) (types []TypeCount, err error) {
	ctx, done := g.begin(ctx, "edge_types", attribute.String("diagram.id", diagramID))
	defer func() { done(err) }()

	out, err := g.readTx(ctx, func(tx CypherRunner) (any, error) {
		if _, err := requireDiagram(ctx, tx, diagramID); err != nil {
			return nil, err
		}
		counts, _, err := countByType(ctx, tx, fmt.Sprintf(`MATCH (:%[1]s)-[r]->(:%[1]s) WHERE %[2]s
			RETURN coalesce(r.type, type(r)) AS type, count(r) AS count`,
			labelElement, ScopeFilter("r", "diagram_id")), scopeParams(diagramID))
		if err != nil {
			return nil, err
		}
		types := make([]TypeCount, 0, len(counts))
		for t, n := range counts {
			types = append(types, TypeCount{Type: t, Count: n})
		}
		return types, nil
	})
	if err != nil {
		return nil, classify("edge_types", err)
	}
	types = out.([]TypeCount)
	sort.Slice(types, func(i, j int) bool {
		if types[i].Count != types[j].Count {
			return types[i].Count > types[j].Count
		}
		return types[i].Type < types[j].Type
	})
	return types, nil
}
