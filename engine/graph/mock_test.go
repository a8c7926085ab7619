package graph

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// --- Mock infrastructure ---

type mockResult struct {
	records []*neo4j.Record
	idx     int
	err     error
}

func newMockResult(recs ...*neo4j.Record) *mockResult {
	return &mockResult{records: recs}
}

func (m *mockResult) Next(_ context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record { return m.records[m.idx-1] }
func (m *mockResult) Err() error            { return m.err }

// rec builds a record with keys in sorted order.
func rec(values map[string]any) *neo4j.Record {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	r := &neo4j.Record{Keys: keys}
	for _, k := range keys {
		r.Values = append(r.Values, values[k])
	}
	return r
}

type call struct {
	cypher string
	params map[string]any
}

// rule answers every statement containing match. The first matching rule
// wins. respond, when set, computes the records from the parameters.
type rule struct {
	match     string
	records   []*neo4j.Record
	respond   func(params map[string]any) []*neo4j.Record
	err       error
	resultErr error
}

// scriptedTx records all cypher executed and answers from its rules.
// Statements no rule matches return an empty result.
type scriptedTx struct {
	mu    sync.Mutex
	rules []rule
	calls []call
}

func (tx *scriptedTx) Run(_ context.Context, cypher string, params map[string]any) (CypherResult, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.calls = append(tx.calls, call{cypher: cypher, params: params})
	for _, r := range tx.rules {
		if !strings.Contains(cypher, r.match) {
			continue
		}
		if r.err != nil {
			return nil, r.err
		}
		recs := r.records
		if r.respond != nil {
			recs = r.respond(params)
		}
		return &mockResult{records: recs, err: r.resultErr}, nil
	}
	return newMockResult(), nil
}

func (tx *scriptedTx) ran(match string) []call {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	var out []call
	for _, c := range tx.calls {
		if strings.Contains(c.cypher, match) {
			out = append(out, c)
		}
	}
	return out
}

// mockSession runs transaction work directly against its scriptedTx and
// counts commits and rollbacks.
type mockSession struct {
	tx         *scriptedTx
	writeErr   error
	failWrites []error // returned by successive ExecuteWrite calls before work runs
	commits    int
	rollbacks  int
	reads      int
	closed     int
}

func (s *mockSession) Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error) {
	return s.tx.Run(ctx, cypher, params)
}

func (s *mockSession) ExecuteWrite(_ context.Context, work func(tx CypherRunner) (any, error)) (any, error) {
	if s.writeErr != nil {
		return nil, s.writeErr
	}
	if len(s.failWrites) > 0 {
		err := s.failWrites[0]
		s.failWrites = s.failWrites[1:]
		s.rollbacks++
		return nil, err
	}
	out, err := work(s.tx)
	if err != nil {
		s.rollbacks++
		return nil, err
	}
	s.commits++
	return out, nil
}

func (s *mockSession) ExecuteRead(_ context.Context, work func(tx CypherRunner) (any, error)) (any, error) {
	s.reads++
	return work(s.tx)
}

func (s *mockSession) Close(_ context.Context) error {
	s.closed++
	return nil
}

type mockOpener struct {
	session *mockSession
	modes   []neo4j.AccessMode
}

func (o *mockOpener) OpenSession(_ context.Context, mode neo4j.AccessMode) CypherSession {
	o.modes = append(o.modes, mode)
	return o.session
}

func newScriptedStore(rules ...rule) (*GraphStore, *mockSession, *mockOpener) {
	sess := &mockSession{tx: &scriptedTx{rules: rules}}
	op := &mockOpener{session: sess}
	return NewWithOpener(op), sess, op
}

// diagramExists answers requireDiagram for the given ids.
func diagramExists(ids ...string) rule {
	known := map[string]bool{}
	for _, id := range ids {
		known[id] = true
	}
	return rule{match: "properties(m) AS metadata", respond: func(p map[string]any) []*neo4j.Record {
		id, _ := p["diagram_id"].(string)
		if !known[id] {
			return nil
		}
		return []*neo4j.Record{rec(map[string]any{"metadata": map[string]any{"diagram_id": id, "title": "T"}})}
	}}
}

// nodesExist answers requireNodes with the subset of $ids in known.
func nodesExist(known ...string) rule {
	set := map[string]bool{}
	for _, id := range known {
		set[id] = true
	}
	return rule{match: "n.id IN $ids", respond: func(p map[string]any) []*neo4j.Record {
		var out []*neo4j.Record
		ids, _ := p["ids"].([]string)
		for _, id := range ids {
			if set[id] {
				out = append(out, rec(map[string]any{"id": id}))
			}
		}
		return out
	}}
}
