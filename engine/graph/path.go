package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/WessleyAI/gridgraph/engine/domain"
	"go.opentelemetry.io/otel/attribute"
)

// requireNodes fails with a NotFoundError naming the first id (in argument
// order) that is not a node of the diagram.
func requireNodes(ctx context.Context, tx CypherRunner, diagramID string, ids ...string) error {
	params := scopeParams(diagramID)
	params["ids"] = ids
	recs, err := collect(ctx, tx, fmt.Sprintf(
		"MATCH (n:%s) WHERE %s AND n.id IN $ids RETURN n.id AS id",
		labelElement, ScopeFilter("n", "diagram_id")), params)
	if err != nil {
		return err
	}
	found := make(map[string]bool, len(recs))
	for _, rec := range recs {
		found[str(get(rec, "id"))] = true
	}
	for _, id := range ids {
		if !found[id] {
			return &domain.NotFoundError{Kind: "node", ID: id}
		}
	}
	return nil
}

// FindPath returns the shortest undirected path of node ids from one node
// to another. relType, when non-empty, restricts traversal to relationships
// whose authored type or storage type equals it. Among equally short paths
// the lexicographically smallest id sequence wins.
func (g *GraphStore) FindPath(ctx context.Context, diagramID, from, to, relType string) (path []string, err error) {
	ctx, done := g.begin(ctx, "find_path",
		attribute.String("diagram.id", diagramID),
		attribute.String("path.from", from),
		attribute.String("path.to", to),
		attribute.String("path.rel_type", relType),
	)
	defer func() { done(err) }()

	params := scopeParams(diagramID)
	cypher := fmt.Sprintf("MATCH (a:%[1]s)-[r]->(b:%[1]s) WHERE %[2]s", labelElement, ScopeFilter("r", "diagram_id"))
	if relType != "" {
		cypher += " AND (r.type = $rel_type OR type(r) = $rel_label)"
		params["rel_type"] = relType
		params["rel_label"] = SanitizeLabel(relType)
	}
	cypher += " RETURN a.id AS from, b.id AS to"

	out, err := g.readTx(ctx, func(tx CypherRunner) (any, error) {
		if _, err := requireDiagram(ctx, tx, diagramID); err != nil {
			return nil, err
		}
		if err := requireNodes(ctx, tx, diagramID, from, to); err != nil {
			return nil, err
		}
		recs, err := collect(ctx, tx, cypher, params)
		if err != nil {
			return nil, err
		}
		adj := make(adjacency)
		for _, rec := range recs {
			adj.link(str(get(rec, "from")), str(get(rec, "to")))
		}
		return adj.shortestPath(from, to), nil
	})
	if err != nil {
		return nil, classify("find_path", err)
	}
	path = out.([]string)
	if path == nil {
		return nil, &domain.NoPathError{From: from, To: to, RelType: relType}
	}
	return path, nil
}

// adjacency is an undirected neighbor set per node id.
type adjacency map[string]map[string]struct{}

func (a adjacency) link(x, y string) {
	if x == y {
		return
	}
	for _, pair := range [][2]string{{x, y}, {y, x}} {
		set, ok := a[pair[0]]
		if !ok {
			set = make(map[string]struct{})
			a[pair[0]] = set
		}
		set[pair[1]] = struct{}{}
	}
}

func (a adjacency) sortedNeighbors(id string) []string {
	out := make([]string, 0, len(a[id]))
	for n := range a[id] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// shortestPath is a breadth-first search visiting neighbors in ascending id
// order. Each level of the queue is then ordered by path, so the first time
// the target is reached is along the lexicographically smallest shortest
// path. Returns nil when to is unreachable.
func (a adjacency) shortestPath(from, to string) []string {
	if from == to {
		return []string{from}
	}
	prev := map[string]string{}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range a.sortedNeighbors(cur) {
			if visited[next] {
				continue
			}
			visited[next] = true
			prev[next] = cur
			if next == to {
				return walkBack(prev, from, to)
			}
			queue = append(queue, next)
		}
	}
	return nil
}

func walkBack(prev map[string]string, from, to string) []string {
	path := []string{to}
	for cur := to; cur != from; {
		cur = prev[cur]
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
