package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/WessleyAI/gridgraph/engine/domain"
	"github.com/WessleyAI/gridgraph/pkg/fn"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// maxStoreAttempts bounds re-minting after a concurrent writer claimed
	// the same diagram id between lookup and commit.
	maxStoreAttempts = 3
	batchSize        = 500
)

// nodeBatch is every node sharing one storage label.
type nodeBatch struct {
	label string
	rows  []map[string]any
}

// relBatch is every edge sharing one relationship type.
type relBatch struct {
	relType string
	rows    []map[string]any
}

// writePlan is the document pre-shaped into parameter rows. It does not
// depend on the diagram id, so retries reuse it.
type writePlan struct {
	doc   domain.Document
	clear bool
	nodes []nodeBatch
	rels  []relBatch
}

func planWrite(doc domain.Document, opts StoreOptions) writePlan {
	byLabel := fn.GroupBy(doc.Nodes, func(n domain.Node) string { return nodeLabel(n.Type) })
	p := writePlan{doc: doc, clear: opts.Clear}
	for _, l := range fn.SortedKeys(byLabel) {
		p.nodes = append(p.nodes, nodeBatch{label: l, rows: fn.Map(byLabel[l], func(n domain.Node) map[string]any {
			return nodeProps("", n)
		})})
	}

	type indexed struct {
		idx  int
		edge domain.Edge
	}
	edges := make([]indexed, len(doc.Edges))
	for i, e := range doc.Edges {
		edges[i] = indexed{idx: i, edge: e}
	}
	byType := fn.GroupBy(edges, func(e indexed) string { return SanitizeLabel(e.edge.Type) })
	for _, t := range fn.SortedKeys(byType) {
		p.rels = append(p.rels, relBatch{relType: t, rows: fn.Map(byType[t], func(e indexed) map[string]any {
			return map[string]any{
				"idx":   int64(e.idx),
				"from":  e.edge.From,
				"to":    e.edge.To,
				"props": relProps("", e.edge),
			}
		})})
	}
	return p
}

// Store validates doc and writes it as a new diagram in one transaction.
// Either the whole diagram becomes visible or nothing does. With
// opts.Clear the wipe runs inside that same transaction, so a failed store
// leaves every existing diagram in place.
func (g *GraphStore) Store(ctx context.Context, doc domain.Document, opts StoreOptions) (res StorageResult, err error) {
	ctx, done := g.begin(ctx, "store",
		attribute.Int("diagram.nodes", len(doc.Nodes)),
		attribute.Int("diagram.edges", len(doc.Edges)),
		attribute.Bool("store.clear", opts.Clear),
	)
	defer func() { done(err) }()

	if err = domain.ValidateDocument(doc); err != nil {
		return StorageResult{}, err
	}
	if undeclared := doc.Undeclared(); len(undeclared) > 0 {
		g.log.Debug("attributes not declared in ontology", "undeclared", undeclared)
	}
	plan := planWrite(doc, opts)
	now := g.now()
	for attempt := 1; ; attempt++ {
		res, err = g.storeOnce(ctx, plan, now)
		if err == nil || !isConstraintViolation(err) || attempt >= maxStoreAttempts {
			break
		}
		g.log.Warn("diagram id claimed concurrently, reminting", "attempt", attempt, "err", err)
	}
	if err != nil {
		return StorageResult{}, classify("store", err)
	}

	if plan.clear {
		g.log.Warn("graph store cleared before store", "diagram_id", res.DiagramID)
	}
	g.metrics.NodesWritten.Add(float64(res.NodesCreated))
	g.metrics.RelationshipsWritten.Add(float64(res.RelationshipsCreated))
	g.log.Info("diagram stored",
		"diagram_id", res.DiagramID,
		"nodes", res.NodesCreated,
		"relationships", res.RelationshipsCreated,
	)
	return res, nil
}

func (g *GraphStore) storeOnce(ctx context.Context, plan writePlan, now time.Time) (StorageResult, error) {
	sess := g.opener.OpenSession(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)

	out, err := sess.ExecuteWrite(ctx, func(tx CypherRunner) (any, error) {
		return g.writeDiagram(ctx, tx, plan, now)
	})
	if err != nil {
		return StorageResult{}, err
	}
	return out.(StorageResult), nil
}

func (g *GraphStore) writeDiagram(ctx context.Context, tx CypherRunner, plan writePlan, now time.Time) (StorageResult, error) {
	doc := plan.doc
	if plan.clear {
		if err := drain(ctx, tx, clearCypher, nil); err != nil {
			return StorageResult{}, err
		}
	}
	id, err := g.registry.Mint(ctx, tx, mintBase(doc.Metadata.Title, doc.Metadata.SourceImage), now)
	if err != nil {
		return StorageResult{}, err
	}
	res := StorageResult{DiagramID: id}

	if err := drain(ctx, tx, fmt.Sprintf("CREATE (m:%s) SET m = $props", labelMetadata),
		map[string]any{"props": metadataProps(id, doc.Metadata, now)}); err != nil {
		return StorageResult{}, err
	}
	res.MetadataStored = true

	nodeTypes, err := json.Marshal(orEmpty(doc.Ontology.NodeTypes))
	if err != nil {
		return StorageResult{}, err
	}
	edgeTypes, err := json.Marshal(orEmpty(doc.Ontology.EdgeTypes))
	if err != nil {
		return StorageResult{}, err
	}
	if err := drain(ctx, tx,
		fmt.Sprintf("CREATE (o:%s {diagram_id: $diagram_id, node_types: $node_types, edge_types: $edge_types})", labelOntology),
		map[string]any{"diagram_id": id, "node_types": string(nodeTypes), "edge_types": string(edgeTypes)},
	); err != nil {
		return StorageResult{}, err
	}
	res.OntologyStored = true

	if !doc.Calculations.IsZero() {
		var buf bytes.Buffer
		if err := json.Compact(&buf, doc.Calculations); err != nil {
			return StorageResult{}, domain.NewValidationError("calculations", domain.Truncate(string(doc.Calculations), 40), domain.ErrMalformed)
		}
		if err := drain(ctx, tx,
			fmt.Sprintf("CREATE (c:%s {diagram_id: $diagram_id, data: $data})", labelCalculations),
			map[string]any{"diagram_id": id, "data": buf.String()},
		); err != nil {
			return StorageResult{}, err
		}
		res.CalculationsStored = true
	}

	for _, b := range plan.nodes {
		n, err := writeNodes(ctx, tx, id, b)
		if err != nil {
			return StorageResult{}, err
		}
		res.NodesCreated += n
	}
	for _, b := range plan.rels {
		n, err := writeRelationships(ctx, tx, id, b)
		if err != nil {
			return StorageResult{}, err
		}
		res.RelationshipsCreated += n
	}
	return res, nil
}

func writeNodes(ctx context.Context, tx CypherRunner, diagramID string, b nodeBatch) (int, error) {
	cypher := fmt.Sprintf(`UNWIND $rows AS row
		CREATE (n:%s:%s)
		SET n = row, n.diagram_id = $diagram_id
		RETURN count(n) AS created`, b.label, labelElement)
	created := 0
	for _, chunk := range fn.Chunk(b.rows, batchSize) {
		rec, err := single(ctx, tx, cypher, map[string]any{"rows": chunk, "diagram_id": diagramID})
		if err != nil {
			return 0, err
		}
		n := 0
		if rec != nil {
			n = int(i64(get(rec, "created")))
		}
		if n != len(chunk) {
			return 0, fmt.Errorf("graph: created %d of %d %s nodes", n, len(chunk), b.label)
		}
		created += n
	}
	return created, nil
}

// writeRelationships creates one relationship per row whose endpoints both
// resolve inside the diagram. Every row is echoed back; any row with a
// missing endpoint fails the batch, which rolls back the transaction.
func writeRelationships(ctx context.Context, tx CypherRunner, diagramID string, b relBatch) (int, error) {
	cypher := fmt.Sprintf(`UNWIND $rows AS row
		OPTIONAL MATCH (a:%[1]s {id: row.from}) WHERE %[2]s
		OPTIONAL MATCH (b:%[1]s {id: row.to}) WHERE %[3]s
		FOREACH (ignored IN CASE WHEN a IS NULL OR b IS NULL THEN [] ELSE [1] END |
			CREATE (a)-[r:%[4]s]->(b)
			SET r = row.props, r.diagram_id = $diagram_id)
		RETURN row.idx AS idx, row.from AS from, row.to AS to,
			a IS NOT NULL AS from_found, b IS NOT NULL AS to_found`,
		labelElement, ScopeFilter("a", "diagram_id"), ScopeFilter("b", "diagram_id"), b.relType)

	created := 0
	for _, chunk := range fn.Chunk(b.rows, batchSize) {
		recs, err := collect(ctx, tx, cypher, map[string]any{"rows": chunk, "diagram_id": diagramID})
		if err != nil {
			return 0, err
		}
		var missing *domain.ReferenceError
		for _, rec := range recs {
			from, to := str(get(rec, "from")), str(get(rec, "to"))
			fromOK, toOK := boolean(get(rec, "from_found")), boolean(get(rec, "to_found"))
			if fromOK && toOK {
				created++
				continue
			}
			idx := int(i64(get(rec, "idx")))
			if missing != nil && missing.Edge <= idx {
				continue
			}
			missing = &domain.ReferenceError{Edge: idx, From: from, To: to, Missing: to}
			if !fromOK {
				missing.Missing = from
			}
		}
		if missing != nil {
			return 0, missing
		}
		if len(recs) != len(chunk) {
			return 0, fmt.Errorf("graph: %s batch echoed %d of %d rows", b.relType, len(recs), len(chunk))
		}
	}
	return created, nil
}

func metadataProps(diagramID string, md domain.Metadata, now time.Time) map[string]any {
	props := CoerceAttrs(md.Extra)
	props["diagram_id"] = diagramID
	props["title"] = md.Title
	if md.SourceImage != "" {
		props["source_image"] = md.SourceImage
	}
	extracted := now
	if md.ExtractedAt != nil {
		extracted = *md.ExtractedAt
	}
	props["extracted_at"] = extracted.UTC().Format(time.RFC3339)
	props["stored_at"] = now.UTC().Format(time.RFC3339)
	if len(md.Notes) > 0 {
		props["notes"] = md.Notes
	} else {
		delete(props, "notes")
	}
	return props
}

func orEmpty(m map[string]domain.TypeDef) map[string]domain.TypeDef {
	if m == nil {
		return map[string]domain.TypeDef{}
	}
	return m
}
