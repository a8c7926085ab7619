package repo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// ErrNotFound is returned by Get when no record matches.
var ErrNotFound = errors.New("record not found")

// Result is the minimal interface needed from a neo4j result.
type Result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// Runner is the minimal interface needed from a neo4j session.
type Runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (Result, error)
	Close(ctx context.Context) error
}

// Opener opens a read session for one call.
type Opener func(ctx context.Context) Runner

// Neo4jRepo reads nodes carrying a single label.
type Neo4jRepo[T any, ID comparable] struct {
	open       Opener
	label      string
	idKey      string
	fromRecord func(*neo4j.Record) (T, error)
}

// Neo4jOption configures a Neo4jRepo.
type Neo4jOption[T any, ID comparable] func(*Neo4jRepo[T, ID])

// WithIDKey sets the property name used as the ID (default "id").
func WithIDKey[T any, ID comparable](key string) Neo4jOption[T, ID] {
	return func(r *Neo4jRepo[T, ID]) { r.idKey = key }
}

// NewNeo4jRepo creates a repository for nodes labelled label. fromRecord
// receives records whose only column "n" is the node.
func NewNeo4jRepo[T any, ID comparable](
	open Opener,
	label string,
	fromRecord func(*neo4j.Record) (T, error),
	opts ...Neo4jOption[T, ID],
) *Neo4jRepo[T, ID] {
	r := &Neo4jRepo[T, ID]{
		open:       open,
		label:      label,
		idKey:      "id",
		fromRecord: fromRecord,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Compile-time interface check.
var _ Reader[any, string] = (*Neo4jRepo[any, string])(nil)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (r *Neo4jRepo[T, ID]) Get(ctx context.Context, id ID) (T, error) {
	var zero T
	sess := r.open(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {%s: $id}) RETURN n LIMIT 1", r.label, r.idKey)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return zero, err
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%s %v: %w", r.label, id, ErrNotFound)
	}
	return r.fromRecord(result.Record())
}

func (r *Neo4jRepo[T, ID]) List(ctx context.Context, opts ListOpts) ([]T, error) {
	cypher, params, err := r.listCypher(opts)
	if err != nil {
		return nil, err
	}

	sess := r.open(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}

	var items []T
	for result.Next(ctx) {
		item, err := r.fromRecord(result.Record())
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, result.Err()
}

func (r *Neo4jRepo[T, ID]) Count(ctx context.Context) (int64, error) {
	sess := r.open(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, fmt.Sprintf("MATCH (n:%s) RETURN count(n) AS count", r.label), nil)
	if err != nil {
		return 0, err
	}
	if !result.Next(ctx) {
		return 0, result.Err()
	}
	v, _ := result.Record().Get("count")
	n, _ := v.(int64)
	return n, nil
}

// listCypher builds the List query. Keys come from code, not callers, but
// are still checked so a typo cannot produce injectable Cypher.
func (r *Neo4jRepo[T, ID]) listCypher(opts ListOpts) (string, map[string]any, error) {
	var b strings.Builder
	params := map[string]any{}
	fmt.Fprintf(&b, "MATCH (n:%s)", r.label)

	if len(opts.Filter) > 0 {
		keys := make([]string, 0, len(opts.Filter))
		for k := range opts.Filter {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		conds := make([]string, 0, len(keys))
		for i, k := range keys {
			if !identRe.MatchString(k) {
				return "", nil, fmt.Errorf("repo: invalid filter key %q", k)
			}
			p := fmt.Sprintf("f%d", i)
			conds = append(conds, fmt.Sprintf("n.%s = $%s", k, p))
			params[p] = opts.Filter[k]
		}
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}

	b.WriteString(" RETURN n")

	if len(opts.Order) > 0 {
		keys := make([]string, 0, len(opts.Order))
		for _, o := range opts.Order {
			if !identRe.MatchString(o.Key) {
				return "", nil, fmt.Errorf("repo: invalid order key %q", o.Key)
			}
			k := "n." + o.Key
			if o.Desc {
				k += " DESC"
			}
			keys = append(keys, k)
		}
		b.WriteString(" ORDER BY " + strings.Join(keys, ", "))
	}
	if opts.Offset > 0 {
		b.WriteString(" SKIP $offset")
		params["offset"] = int64(opts.Offset)
	}
	if opts.Limit > 0 {
		b.WriteString(" LIMIT $limit")
		params["limit"] = int64(opts.Limit)
	}
	return b.String(), params, nil
}
