package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/gridgraph/engine/domain"
	"github.com/WessleyAI/gridgraph/engine/graph"
	"github.com/WessleyAI/gridgraph/engine/ingest"
	"github.com/WessleyAI/gridgraph/pkg/fn"
	"github.com/WessleyAI/gridgraph/pkg/natsutil"
)

const storedID = "feeder_12_20240309_140507"

const feederDoc = `{
  "metadata": {"title": "Feeder 12", "source_image": "f12.png"},
  "ontology": {"node_types": {"Bus": {"attrs": ["kv"]}, "Breaker": {"attrs": []}}, "edge_types": {"CONNECTS_TO": {"attrs": []}}},
  "nodes": [{"id": "BUS1", "type": "Bus", "kv": 13.8}, {"id": "CB1", "type": "Breaker", "rating": "1200A"}],
  "edges": [{"from": "BUS1", "to": "CB1", "type": "CONNECTS_TO"}]
}`

const danglingDoc = `{
  "metadata": {"title": "Feeder 12"},
  "ontology": {"node_types": {}, "edge_types": {}},
  "nodes": [{"id": "BUS1", "type": "Bus"}],
  "edges": [{"from": "BUS1", "to": "CB9", "type": "CONNECTS_TO"}]
}`

// fakeEngine knows one diagram, reachable as storedID or index "1".
type fakeEngine struct {
	pathErr error

	stored   []graph.StoreOptions
	cleared  int
	deleted  []string
	queryIDs []string
	paths    [][]string
}

func (f *fakeEngine) Ping(context.Context) error { return nil }

func (f *fakeEngine) Store(_ context.Context, doc domain.Document, opts graph.StoreOptions) (graph.StorageResult, error) {
	f.stored = append(f.stored, opts)
	return graph.StorageResult{DiagramID: storedID, NodesCreated: len(doc.Nodes), RelationshipsCreated: len(doc.Edges), MetadataStored: true, OntologyStored: true}, nil
}

func (f *fakeEngine) Clear(context.Context) error {
	f.cleared++
	return nil
}

func (f *fakeEngine) StoreSummary(context.Context) (graph.StoreSummary, error) {
	return graph.StoreSummary{
		Diagrams:           1,
		NodeCounts:         map[string]int64{"Bus": 1, "Breaker": 1},
		RelationshipCounts: map[string]int64{"CONNECTS_TO": 1},
		TotalNodes:         2,
		TotalRelationships: 1,
	}, nil
}

func (f *fakeEngine) ListDiagrams(context.Context) ([]graph.DiagramRecord, error) {
	return []graph.DiagramRecord{{Index: 1, DiagramID: storedID, Title: "Feeder 12"}}, nil
}

func (f *fakeEngine) ResolveIdentifier(_ context.Context, ident string) (string, error) {
	if ident == storedID || ident == "1" {
		return storedID, nil
	}
	return "", &domain.NotFoundError{Kind: "diagram", ID: ident}
}

func (f *fakeEngine) Summary(_ context.Context, id string) (graph.SummaryResult, error) {
	return graph.SummaryResult{
		DiagramID:          id,
		Title:              "Feeder 12",
		NodeCounts:         map[string]int64{"Bus": 1, "Breaker": 1},
		RelationshipCounts: map[string]int64{"CONNECTS_TO": 1},
		TotalNodes:         2,
		TotalRelationships: 1,
	}, nil
}

func (f *fakeEngine) ProtectionSchemes(context.Context, string) ([]graph.ProtectionRecord, error) {
	return []graph.ProtectionRecord{{RelayID: "R1", DeviceCode: "50/51", ProtectedID: "TX1", ProtectedType: "Transformer"}}, nil
}

func (f *fakeEngine) FindPath(_ context.Context, _, from, to, relType string) ([]string, error) {
	if f.pathErr != nil {
		return nil, f.pathErr
	}
	f.paths = append(f.paths, []string{from, to, relType})
	return []string{from, "CB1", to}, nil
}

func (f *fakeEngine) Connections(context.Context, string, string) ([]graph.Connection, error) {
	return []graph.Connection{{Direction: "out", NodeID: "CB1", NodeType: "Breaker", Type: "CONNECTS_TO"}}, nil
}

func (f *fakeEngine) DeleteDiagram(_ context.Context, id string) (graph.DeleteResult, error) {
	f.deleted = append(f.deleted, id)
	return graph.DeleteResult{Deleted: true, NodesDeleted: 5, RelationshipsDeleted: 1}, nil
}

func (f *fakeEngine) RunReadQuery(_ context.Context, id, _ string) ([]map[string]any, error) {
	f.queryIDs = append(f.queryIDs, id)
	return []map[string]any{{"id": "BUS1", "type": "Bus"}}, nil
}

// syncBuffer is a bytes.Buffer safe for the watch command's goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	app    *app
	eng    *fakeEngine
	out    *syncBuffer
	opened int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("GRIDGRAPH_CONFIG", "")
	h := &harness{eng: &fakeEngine{}, out: &syncBuffer{}}
	h.app = newApp(h.out, &syncBuffer{})
	h.app.open = func(context.Context, *app) (engine, func(), error) {
		h.opened++
		return h.eng, func() {}, nil
	}
	return h
}

func (h *harness) run(ctx context.Context, args ...string) error {
	cmd := newRootCmd(h.app)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func writeDoc(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func startTestNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestStoreCommand(t *testing.T) {
	h := newHarness(t)
	path := writeDoc(t, "feeder.json", feederDoc)

	if err := h.run(context.Background(), "store", path, "--clear", "--json"); err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(h.eng.stored) != 1 || !h.eng.stored[0].Clear {
		t.Fatalf("stored = %+v, want one call with Clear", h.eng.stored)
	}
	var res graph.StorageResult
	if err := json.Unmarshal([]byte(h.out.String()), &res); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, h.out.String())
	}
	if res.DiagramID != storedID || res.NodesCreated != 2 || res.RelationshipsCreated != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestStoreCommandPlainOutput(t *testing.T) {
	h := newHarness(t)
	if err := h.run(context.Background(), "store", writeDoc(t, "feeder.json", feederDoc)); err != nil {
		t.Fatal(err)
	}
	out := h.out.String()
	for _, want := range []string{storedID, "2 nodes, 1 relationships", "metadata, ontology"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStoreCommandRejectsBeforeOpening(t *testing.T) {
	h := newHarness(t)
	err := h.run(context.Background(), "store", writeDoc(t, "dangling.json", danglingDoc))
	if !errors.Is(err, domain.ErrReference) {
		t.Fatalf("err = %v, want reference error", err)
	}
	if got := exitCode(err); got != exitInvalid {
		t.Errorf("exit code = %d, want %d", got, exitInvalid)
	}
	if h.opened != 0 {
		t.Error("store was opened for an invalid document")
	}
}

func TestStoreCommandViaNATS(t *testing.T) {
	srv := startTestNATS(t)
	consumerConn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(consumerConn.Close)

	eng := &fakeEngine{}
	quiet := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	sub, err := ingest.NewConsumer(consumerConn, eng, ingest.WithLogger(quiet),
		ingest.WithRetry(fn.RetryOpts{MaxAttempts: 1})).Start()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := consumerConn.Flush(); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t)
	h.app.dial = func(string) (*nats.Conn, error) { return nats.Connect(srv.ClientURL()) }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.run(ctx, "store", writeDoc(t, "feeder.json", feederDoc), "--nats", "--json"); err != nil {
		t.Fatalf("store --nats: %v", err)
	}
	if h.opened != 0 {
		t.Error("CLI opened the store directly")
	}
	if len(eng.stored) != 1 {
		t.Fatalf("consumer stored %d documents, want 1", len(eng.stored))
	}
	if !strings.Contains(h.out.String(), storedID) {
		t.Errorf("output = %s", h.out.String())
	}
}

func TestSummaryCommand(t *testing.T) {
	t.Run("whole store", func(t *testing.T) {
		h := newHarness(t)
		if err := h.run(context.Background(), "summary"); err != nil {
			t.Fatal(err)
		}
		out := h.out.String()
		if !strings.Contains(out, "1 diagrams") || !strings.Contains(out, "CONNECTS_TO") {
			t.Errorf("output:\n%s", out)
		}
	})
	t.Run("by index", func(t *testing.T) {
		h := newHarness(t)
		if err := h.run(context.Background(), "summary", "1", "--json"); err != nil {
			t.Fatal(err)
		}
		var sum graph.SummaryResult
		if err := json.Unmarshal([]byte(h.out.String()), &sum); err != nil {
			t.Fatal(err)
		}
		if sum.DiagramID != storedID {
			t.Errorf("diagram = %q", sum.DiagramID)
		}
	})
	t.Run("unknown", func(t *testing.T) {
		h := newHarness(t)
		err := h.run(context.Background(), "summary", "7")
		if exitCode(err) != exitNotFound {
			t.Errorf("err = %v, exit %d", err, exitCode(err))
		}
	})
}

func TestListCommand(t *testing.T) {
	h := newHarness(t)
	if err := h.run(context.Background(), "list"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(h.out.String(), storedID) || !strings.Contains(h.out.String(), "Feeder 12") {
		t.Errorf("output:\n%s", h.out.String())
	}
}

func TestDeleteCommandResolvesIndex(t *testing.T) {
	h := newHarness(t)
	if err := h.run(context.Background(), "delete", "1"); err != nil {
		t.Fatal(err)
	}
	if len(h.eng.deleted) != 1 || h.eng.deleted[0] != storedID {
		t.Errorf("deleted = %v", h.eng.deleted)
	}
	if !strings.Contains(h.out.String(), "5 nodes, 1 relationships") {
		t.Errorf("output:\n%s", h.out.String())
	}
}

func TestClearCommandNeedsConfirmation(t *testing.T) {
	h := newHarness(t)
	err := h.run(context.Background(), "clear")
	if exitCode(err) != exitInvalid {
		t.Fatalf("err = %v, want invalid", err)
	}
	if h.eng.cleared != 0 {
		t.Fatal("store cleared without --yes")
	}
	if err := h.run(context.Background(), "clear", "--yes"); err != nil {
		t.Fatal(err)
	}
	if h.eng.cleared != 1 {
		t.Errorf("cleared = %d", h.eng.cleared)
	}
}

func TestPathCommand(t *testing.T) {
	h := newHarness(t)
	if err := h.run(context.Background(), "path", storedID, "BUS1", "TX1", "--type", "CONNECTS_TO"); err != nil {
		t.Fatal(err)
	}
	if got := h.eng.paths[0]; got[0] != "BUS1" || got[1] != "TX1" || got[2] != "CONNECTS_TO" {
		t.Errorf("FindPath args = %v", got)
	}
	if !strings.Contains(h.out.String(), "BUS1 -> CB1 -> TX1 (2 hops)") {
		t.Errorf("output:\n%s", h.out.String())
	}

	h.eng.pathErr = &domain.NoPathError{From: "BUS1", To: "TX9"}
	err := h.run(context.Background(), "path", storedID, "BUS1", "TX9")
	if exitCode(err) != exitNotFound {
		t.Errorf("err = %v, exit %d", err, exitCode(err))
	}
}

func TestQueryCommandScopesToDiagram(t *testing.T) {
	h := newHarness(t)
	if err := h.run(context.Background(), "query", "MATCH (n) RETURN n.id AS id"); err != nil {
		t.Fatal(err)
	}
	if err := h.run(context.Background(), "query", "--diagram", "1",
		"MATCH (n {diagram_id: $diagram_id}) RETURN n.id AS id"); err != nil {
		t.Fatal(err)
	}
	if len(h.eng.queryIDs) != 2 || h.eng.queryIDs[0] != "" || h.eng.queryIDs[1] != storedID {
		t.Errorf("query scopes = %q", h.eng.queryIDs)
	}
	if !strings.Contains(h.out.String(), "BUS1") {
		t.Errorf("output:\n%s", h.out.String())
	}
}

func TestProtectionAndConnectionsCommands(t *testing.T) {
	h := newHarness(t)
	if err := h.run(context.Background(), "protection", "1"); err != nil {
		t.Fatal(err)
	}
	if err := h.run(context.Background(), "connections", "1", "BUS1"); err != nil {
		t.Fatal(err)
	}
	out := h.out.String()
	for _, want := range []string{"50/51", "TX1", "CB1", "->"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestInspectCommand(t *testing.T) {
	h := newHarness(t)
	good := writeDoc(t, "feeder.json", feederDoc)
	bad := writeDoc(t, "dangling.json", danglingDoc)

	err := h.run(context.Background(), "inspect", good, bad, "--json")
	if exitCode(err) != exitInvalid {
		t.Fatalf("err = %v, want invalid", err)
	}
	if h.opened != 0 {
		t.Error("inspect opened the store")
	}
	var results []inspected
	if err := json.Unmarshal([]byte(h.out.String()), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Error != "" || results[0].Summary.TotalNodes != 2 {
		t.Errorf("good = %+v", results[0])
	}
	if got := results[0].Undeclared["Breaker"]; len(got) != 1 || got[0] != "rating" {
		t.Errorf("undeclared = %v", results[0].Undeclared)
	}
	if results[1].Error == "" {
		t.Error("dangling document passed inspection")
	}
}

func TestWatchCommand(t *testing.T) {
	srv := startTestNATS(t)
	pub, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pub.Close)

	h := newHarness(t)
	h.app.dial = func(string) (*nats.Conn, error) { return nats.Connect(srv.ClientURL()) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.run(ctx, "watch") }()

	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(h.out.String(), storedID) {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("no event printed:\n%s", h.out.String())
		}
		stored := ingest.Stored{StorageResult: graph.StorageResult{DiagramID: storedID, NodesCreated: 2}, Title: "Feeder 12"}
		if _, err := natsutil.PublishEvent(ctx, pub, ingest.SubjectStored, stored); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("nodes[0].id", "", domain.ErrRequired), exitInvalid},
		{&domain.ReferenceError{Edge: 0, From: "A", To: "B", Missing: "B"}, exitInvalid},
		{domain.NewQueryError("CREATE (n)", "write clause", nil), exitInvalid},
		{&domain.NotFoundError{Kind: "diagram", ID: "x"}, exitNotFound},
		{&domain.NoPathError{From: "A", To: "B"}, exitNotFound},
		{&domain.ConnectionError{Op: "ping", Err: errors.New("refused")}, exitUnavailable},
		{errors.New("boom"), exitFailure},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
