// Package graph maps diagram documents onto a Neo4j property graph and
// answers structural queries over the stored diagrams. Every element the
// engine writes carries a diagram_id property, so many diagrams share one
// store without interfering.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/gridgraph/pkg/config"
	"github.com/WessleyAI/gridgraph/pkg/metrics"
	"github.com/WessleyAI/gridgraph/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

const defaultMaxRows = 1000

// GraphStore is the store-client handle passed to every operation. It holds
// no connection state of its own; sessions are opened per call.
type GraphStore struct {
	opener   SessionOpener
	registry Registry
	records  *repo.Neo4jRepo[DiagramRecord, string]
	log      *slog.Logger
	now      func() time.Time
	metrics  *metrics.Collector
	maxRows  int
}

// Option configures a GraphStore.
type Option func(*GraphStore)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *GraphStore) { g.log = l }
}

// WithClock sets the clock used for id minting and default timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *GraphStore) { g.now = now }
}

// WithMetrics records operation metrics into reg.
func WithMetrics(reg *metrics.Collector) Option {
	return func(g *GraphStore) { g.metrics = reg }
}

// WithMaxRows caps the rows returned by RunReadQuery.
func WithMaxRows(n int) Option {
	return func(g *GraphStore) {
		if n > 0 {
			g.maxRows = n
		}
	}
}

// New creates a GraphStore on a driver, binding the configured database and
// per-transaction timeout to every session.
func New(driver neo4j.DriverWithContext, cfg config.Neo4j, opts ...Option) *GraphStore {
	return NewWithOpener(&driverOpener{
		driver:   driver,
		database: cfg.Database,
		timeout:  cfg.QueryTimeout.Std(),
	}, opts...)
}

// NewWithOpener creates a GraphStore on any SessionOpener.
func NewWithOpener(opener SessionOpener, opts ...Option) *GraphStore {
	g := &GraphStore{
		opener:  opener,
		log:     slog.Default(),
		now:     time.Now,
		metrics: metrics.New(),
		maxRows: defaultMaxRows,
	}
	for _, o := range opts {
		o(g)
	}
	g.records = repo.NewNeo4jRepo[DiagramRecord, string](
		g.openRecords,
		labelMetadata,
		recordFromRow,
		repo.WithIDKey[DiagramRecord, string]("diagram_id"),
	)
	return g
}

// openRecords adapts a read session to the record repository.
func (g *GraphStore) openRecords(ctx context.Context) repo.Runner {
	return recordSession{sess: g.opener.OpenSession(ctx, neo4j.AccessModeRead)}
}

type recordSession struct{ sess CypherSession }

func (s recordSession) Run(ctx context.Context, cypher string, params map[string]any) (repo.Result, error) {
	res, err := s.sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s recordSession) Close(ctx context.Context) error { return s.sess.Close(ctx) }

var schemaStatements = []string{
	fmt.Sprintf("CREATE CONSTRAINT diagram_id_unique IF NOT EXISTS FOR (m:%s) REQUIRE m.diagram_id IS UNIQUE", labelMetadata),
	fmt.Sprintf("CREATE CONSTRAINT tombstone_id_unique IF NOT EXISTS FOR (t:%s) REQUIRE t.diagram_id IS UNIQUE", labelTombstone),
	fmt.Sprintf("CREATE INDEX diagram_element_scope IF NOT EXISTS FOR (n:%s) ON (n.diagram_id, n.id)", labelElement),
}

// EnsureSchema creates the uniqueness constraints and scope index the engine
// relies on. It is idempotent.
func (g *GraphStore) EnsureSchema(ctx context.Context) (err error) {
	ctx, done := g.begin(ctx, "ensure_schema")
	defer func() { done(err) }()

	sess := g.opener.OpenSession(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)

	for _, stmt := range schemaStatements {
		if err = drain(ctx, sess, stmt, nil); err != nil {
			return classify("ensure_schema", err)
		}
	}
	return nil
}

// Ping runs a trivial query to check the store is reachable.
func (g *GraphStore) Ping(ctx context.Context) (err error) {
	ctx, done := g.begin(ctx, "ping")
	defer func() { done(err) }()

	sess := g.opener.OpenSession(ctx, neo4j.AccessModeRead)
	defer sess.Close(ctx)

	_, err = sess.ExecuteRead(ctx, func(tx CypherRunner) (any, error) {
		return nil, drain(ctx, tx, "RETURN 1 AS ok", nil)
	})
	return classify("ping", err)
}

// clearCypher wipes everything but tombstones.
var clearCypher = fmt.Sprintf("MATCH (n) WHERE NOT n:%s DETACH DELETE n", labelTombstone)

// Clear removes every diagram from the store regardless of diagram_id.
// Tombstones of deleted ids are kept so those ids are never minted again.
// Callers must ensure nothing else is writing.
func (g *GraphStore) Clear(ctx context.Context) (err error) {
	ctx, done := g.begin(ctx, "clear")
	defer func() { done(err) }()

	sess := g.opener.OpenSession(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)

	_, err = sess.ExecuteWrite(ctx, func(tx CypherRunner) (any, error) {
		return nil, drain(ctx, tx, clearCypher, nil)
	})
	if err != nil {
		return classify("clear", err)
	}
	g.log.Warn("graph store cleared")
	return nil
}

// drain runs a statement and consumes its result.
func drain(ctx context.Context, r CypherRunner, cypher string, params map[string]any) error {
	res, err := r.Run(ctx, cypher, params)
	if err != nil {
		return err
	}
	for res.Next(ctx) {
	}
	return res.Err()
}

// single runs a statement and returns its first record, or nil when the
// result is empty.
func single(ctx context.Context, r CypherRunner, cypher string, params map[string]any) (*neo4j.Record, error) {
	res, err := r.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	var first *neo4j.Record
	for res.Next(ctx) {
		if first == nil {
			first = res.Record()
		}
	}
	return first, res.Err()
}

// collect runs a statement and returns all its records.
func collect(ctx context.Context, r CypherRunner, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	res, err := r.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	var out []*neo4j.Record
	for res.Next(ctx) {
		out = append(out, res.Record())
	}
	return out, res.Err()
}

func scopeParams(diagramID string) map[string]any {
	return map[string]any{"diagram_id": diagramID}
}
