package graph

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/WessleyAI/gridgraph/engine/domain"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"go.opentelemetry.io/otel/attribute"
)

// forbiddenClauses are keywords that write, load or reach procedures.
var forbiddenClauses = map[string]bool{
	"CREATE": true, "MERGE": true, "DELETE": true, "DETACH": true,
	"SET": true, "REMOVE": true, "DROP": true, "FOREACH": true,
	"CALL": true, "LOAD": true, "PERIODIC": true, "GRANT": true,
	"DENY": true, "REVOKE": true, "ALTER": true, "SHOW": true,
	"START": true, "STOP": true, "TERMINATE": true, "RENAME": true,
}

var scopeParamRe = regexp.MustCompile(`\$diagram_id\b`)

// errScalarProjection stops a scoped read at the first row holding a value
// whose diagram cannot be checked.
var errScalarProjection = errors.New("scalar column in scoped query")

// RunReadQuery executes caller-supplied Cypher in a read transaction. When
// diagramID is set the text must reference $diagram_id, which the engine
// binds, and every column must be a node, relationship or path (or a list or
// map of them) so its diagram can be checked. Rows holding anything from
// another diagram are dropped; any scalar column rejects the query. At most
// the configured row cap is returned.
func (g *GraphStore) RunReadQuery(ctx context.Context, diagramID, text string) (rows []map[string]any, err error) {
	ctx, done := g.begin(ctx, "read_query", attribute.String("diagram.id", diagramID))
	defer func() { done(err) }()

	code := stripLiterals(text)
	if strings.TrimSpace(code) == "" {
		return nil, domain.NewQueryError(text, "empty query", nil)
	}
	if kw := firstForbidden(code); kw != "" {
		return nil, domain.NewQueryError(text, "read-only queries may not use "+kw, nil)
	}
	var params map[string]any
	if diagramID != "" {
		if !scopeParamRe.MatchString(code) {
			return nil, domain.NewQueryError(text, "scoped queries must filter on $diagram_id", nil)
		}
		params = scopeParams(diagramID)
	}

	dropped := 0
	truncated := false
	out, err := g.readTx(ctx, func(tx CypherRunner) (any, error) {
		res, err := tx.Run(ctx, text, params)
		if err != nil {
			return nil, err
		}
		rows := []map[string]any{}
		for res.Next(ctx) {
			if len(rows) >= g.maxRows {
				truncated = true
				break
			}
			rec := res.Record()
			if diagramID != "" {
				switch rowScope(rec.Values, diagramID) {
				case scopeUnknown:
					return nil, errScalarProjection
				case scopeOut:
					dropped++
					continue
				}
			}
			rows = append(rows, recordToMap(rec))
		}
		return rows, res.Err()
	})
	if errors.Is(err, errScalarProjection) {
		return nil, domain.NewQueryError(text, "scoped queries may only return nodes, relationships or paths", nil)
	}
	if err != nil {
		return nil, classifyQuery(text, err)
	}
	if dropped > 0 || truncated {
		g.log.Warn("read query rows withheld",
			"diagram_id", diagramID, "out_of_scope", dropped, "truncated", truncated)
	}
	return out.([]map[string]any), nil
}

// stripLiterals blanks out string literals, backtick identifiers and
// comments so keywords inside them are not mistaken for clauses.
func stripLiterals(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			j := i + 1
			for j < len(s) && s[j] != c {
				if s[j] == '\\' && c != '`' {
					j++
				}
				j++
			}
			b.WriteByte(' ')
			i = j
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				i = len(s)
			} else {
				i += end + 3
			}
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// firstForbidden returns the first forbidden keyword used as a clause.
// Property keys (n.set) and parameters ($delete) are not clauses.
func firstForbidden(code string) string {
	isWord := func(c byte) bool {
		return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
	}
	for i := 0; i < len(code); {
		if !isWord(code[i]) {
			i++
			continue
		}
		j := i
		for j < len(code) && isWord(code[j]) {
			j++
		}
		word := strings.ToUpper(code[i:j])
		qualified := i > 0 && (code[i-1] == '.' || code[i-1] == '$')
		if !qualified && forbiddenClauses[word] {
			return word
		}
		i = j
	}
	return ""
}

// scope is what a returned value reveals about the diagram it came from.
type scope int

const (
	scopeIn      scope = iota // only graph entities of the requested diagram, or null
	scopeOut                  // at least one entity of another diagram
	scopeUnknown              // a scalar, whose origin cannot be checked
)

func worse(a, b scope) scope { return max(a, b) }

// rowScope folds the scope of every column of a row.
func rowScope(values []any, diagramID string) scope {
	s := scopeIn
	for _, v := range values {
		s = worse(s, valueScope(v, diagramID))
	}
	return s
}

func entityScope(props map[string]any, diagramID string) scope {
	if props["diagram_id"] == diagramID {
		return scopeIn
	}
	return scopeOut
}

func valueScope(v any, diagramID string) scope {
	switch x := v.(type) {
	case nil:
		return scopeIn
	case dbtype.Node:
		return entityScope(x.Props, diagramID)
	case dbtype.Relationship:
		return entityScope(x.Props, diagramID)
	case dbtype.Path:
		s := scopeIn
		for _, n := range x.Nodes {
			s = worse(s, entityScope(n.Props, diagramID))
		}
		for _, r := range x.Relationships {
			s = worse(s, entityScope(r.Props, diagramID))
		}
		return s
	case []any:
		return rowScope(x, diagramID)
	case map[string]any:
		s := scopeIn
		for _, e := range x {
			s = worse(s, valueScope(e, diagramID))
		}
		return s
	default:
		return scopeUnknown
	}
}

func recordToMap(rec *neo4j.Record) map[string]any {
	row := make(map[string]any, len(rec.Keys))
	for i, k := range rec.Keys {
		row[k] = plainValue(rec.Values[i])
	}
	return row
}

// plainValue converts driver graph types into maps and slices that encode
// cleanly as JSON.
func plainValue(v any) any {
	switch x := v.(type) {
	case dbtype.Node:
		return map[string]any{"element_id": x.ElementId, "labels": x.Labels, "properties": x.Props}
	case dbtype.Relationship:
		return map[string]any{
			"element_id": x.ElementId, "type": x.Type,
			"start": x.StartElementId, "end": x.EndElementId, "properties": x.Props,
		}
	case dbtype.Path:
		nodes := make([]any, len(x.Nodes))
		for i, n := range x.Nodes {
			nodes[i] = plainValue(n)
		}
		rels := make([]any, len(x.Relationships))
		for i, r := range x.Relationships {
			rels[i] = plainValue(r)
		}
		return map[string]any{"nodes": nodes, "relationships": rels}
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plainValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = plainValue(e)
		}
		return out
	default:
		return v
	}
}
