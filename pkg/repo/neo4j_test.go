package repo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// --- Mock infrastructure ---

type mockResult struct {
	records []*neo4j.Record
	idx     int
	err     error
}

func (m *mockResult) Next(ctx context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record {
	return m.records[m.idx-1]
}

func (m *mockResult) Err() error { return m.err }

type mockRunner struct {
	result  *mockResult
	err     error
	cyphers []string
	params  []map[string]any
	closed  int
}

func (m *mockRunner) Run(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	m.cyphers = append(m.cyphers, cypher)
	m.params = append(m.params, params)
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockRunner) Close(ctx context.Context) error {
	m.closed++
	return nil
}

type record struct {
	ID    string
	Title string
}

func makeRecord(id, title string) *neo4j.Record {
	return &neo4j.Record{
		Values: []any{map[string]any{"diagram_id": id, "title": title}},
		Keys:   []string{"n"},
	}
}

func newTestRepo(r *mockRunner) *Neo4jRepo[record, string] {
	return NewNeo4jRepo[record, string](
		func(ctx context.Context) Runner { return r },
		"Metadata",
		func(rec *neo4j.Record) (record, error) {
			m, ok := rec.Values[0].(map[string]any)
			if !ok {
				return record{}, errors.New("bad type")
			}
			return record{ID: m["diagram_id"].(string), Title: m["title"].(string)}, nil
		},
		WithIDKey[record, string]("diagram_id"),
	)
}

// --- Tests ---

func TestGet_Success(t *testing.T) {
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("d1", "North")}}}
	repo := newTestRepo(r)

	rec, err := repo.Get(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != "d1" || rec.Title != "North" {
		t.Fatalf("got %+v", rec)
	}
	if !strings.Contains(r.cyphers[0], "MATCH (n:Metadata {diagram_id: $id})") {
		t.Fatalf("unexpected cypher: %s", r.cyphers[0])
	}
	if r.closed != 1 {
		t.Fatalf("session closed %d times", r.closed)
	}
}

func TestGet_NotFound(t *testing.T) {
	repo := newTestRepo(&mockRunner{result: &mockResult{}})
	_, err := repo.Get(context.Background(), "x")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_ResultError(t *testing.T) {
	repo := newTestRepo(&mockRunner{result: &mockResult{err: errors.New("stream broke")}})
	_, err := repo.Get(context.Background(), "x")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestGet_RunError(t *testing.T) {
	repo := newTestRepo(&mockRunner{err: errors.New("db down")})
	_, err := repo.Get(context.Background(), "x")
	if err == nil || err.Error() != "db down" {
		t.Fatalf("expected db down, got %v", err)
	}
}

func TestList_OrderAndLimit(t *testing.T) {
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("a", "A"), makeRecord("b", "B")}}}
	repo := newTestRepo(r)

	items, err := repo.List(context.Background(), ListOpts{
		Limit: 10,
		Order: []Order{{Key: "extracted_at", Desc: true}, {Key: "diagram_id"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}
	want := "MATCH (n:Metadata) RETURN n ORDER BY n.extracted_at DESC, n.diagram_id LIMIT $limit"
	if r.cyphers[0] != want {
		t.Fatalf("cypher = %q", r.cyphers[0])
	}
	if r.params[0]["limit"] != int64(10) {
		t.Fatalf("params = %v", r.params[0])
	}
}

func TestList_NoLimit(t *testing.T) {
	r := &mockRunner{result: &mockResult{}}
	repo := newTestRepo(r)
	if _, err := repo.List(context.Background(), ListOpts{}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(r.cyphers[0], "LIMIT") {
		t.Fatalf("unexpected LIMIT: %s", r.cyphers[0])
	}
}

func TestList_Filter(t *testing.T) {
	r := &mockRunner{result: &mockResult{}}
	repo := newTestRepo(r)
	_, err := repo.List(context.Background(), ListOpts{Filter: map[string]any{"title": "North"}, Offset: 5})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(r.cyphers[0], "WHERE n.title = $f0") || !strings.Contains(r.cyphers[0], "SKIP $offset") {
		t.Fatalf("cypher = %q", r.cyphers[0])
	}
	if r.params[0]["f0"] != "North" {
		t.Fatalf("params = %v", r.params[0])
	}
}

func TestList_RejectsBadKeys(t *testing.T) {
	repo := newTestRepo(&mockRunner{result: &mockResult{}})
	if _, err := repo.List(context.Background(), ListOpts{Order: []Order{{Key: "x; DROP"}}}); err == nil {
		t.Fatal("expected order key error")
	}
	if _, err := repo.List(context.Background(), ListOpts{Filter: map[string]any{"a b": 1}}); err == nil {
		t.Fatal("expected filter key error")
	}
}

func TestList_RunError(t *testing.T) {
	repo := newTestRepo(&mockRunner{err: errors.New("fail")})
	if _, err := repo.List(context.Background(), ListOpts{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestList_FromRecordError(t *testing.T) {
	bad := &neo4j.Record{Values: []any{"not a map"}, Keys: []string{"n"}}
	repo := newTestRepo(&mockRunner{result: &mockResult{records: []*neo4j.Record{bad}}})
	if _, err := repo.List(context.Background(), ListOpts{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestCount(t *testing.T) {
	rec := &neo4j.Record{Keys: []string{"count"}, Values: []any{int64(3)}}
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{rec}}}
	n, err := newTestRepo(r).Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("count = %d", n)
	}
}
