package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WessleyAI/gridgraph/engine/domain"
	"github.com/WessleyAI/gridgraph/engine/graph"
	"github.com/WessleyAI/gridgraph/pkg/fn"
	"github.com/WessleyAI/gridgraph/pkg/metrics"
	"github.com/WessleyAI/gridgraph/pkg/natsutil"
	"github.com/WessleyAI/gridgraph/pkg/resilience"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const feederDoc = `{
  "metadata": {"title": "Feeder 12", "source_image": "f12.png"},
  "ontology": {"node_types": {"Bus": {"attrs": []}, "Breaker": {"attrs": []}}, "edge_types": {"CONNECTS_TO": {"attrs": []}}},
  "nodes": [{"id": "BUS1", "type": "Bus"}, {"id": "CB1", "type": "Breaker"}],
  "edges": [{"from": "BUS1", "to": "CB1", "type": "CONNECTS_TO"}]
}`

const danglingDoc = `{
  "metadata": {"title": "Feeder 12"},
  "ontology": {"node_types": {}, "edge_types": {}},
  "nodes": [{"id": "BUS1", "type": "Bus"}],
  "edges": [{"from": "BUS1", "to": "CB9", "type": "CONNECTS_TO"}]
}`

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

// fakeStore fails with errs in order, then succeeds.
type fakeStore struct {
	mu    sync.Mutex
	errs  []error
	calls int
	docs  []domain.Document
	opts  []graph.StoreOptions
}

func (f *fakeStore) Store(_ context.Context, doc domain.Document, opts graph.StoreOptions) (graph.StorageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return graph.StorageResult{}, err
	}
	f.docs = append(f.docs, doc)
	f.opts = append(f.opts, opts)
	return graph.StorageResult{
		DiagramID:            "feeder_12_20240309_140507",
		NodesCreated:         len(doc.Nodes),
		RelationshipsCreated: len(doc.Edges),
		MetadataStored:       true,
		OntologyStored:       true,
	}, nil
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var quickRetry = fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)) }

type harness struct {
	nc     *nats.Conn
	store  *fakeStore
	reg    *metrics.Collector
	stored chan *nats.Msg
	dlq    chan *nats.Msg
}

func newHarness(t *testing.T, store *fakeStore, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		nc:     startTestNATS(t),
		store:  store,
		reg:    metrics.New(),
		stored: make(chan *nats.Msg, 4),
		dlq:    make(chan *nats.Msg, 4),
	}
	for subj, ch := range map[string]chan *nats.Msg{SubjectStored: h.stored, SubjectDLQ: h.dlq} {
		if _, err := h.nc.ChanSubscribe(subj, ch); err != nil {
			t.Fatal(err)
		}
	}
	opts = append([]Option{WithLogger(quiet()), WithMetrics(h.reg), WithRetry(quickRetry)}, opts...)
	sub, err := NewConsumer(h.nc, store, opts...).Start()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := h.nc.Flush(); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) request(t *testing.T, req Request) Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := natsutil.Request[Request, Reply](ctx, h.nc, SubjectStore, req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return reply
}

func receive(t *testing.T, ch <-chan *nats.Msg) *nats.Msg {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func deadLetter(t *testing.T, h *harness) natsutil.DeadLetter {
	t.Helper()
	var dl natsutil.DeadLetter
	if err := json.Unmarshal(receive(t, h.dlq).Data, &dl); err != nil {
		t.Fatal(err)
	}
	return dl
}

func TestStoreRequestReply(t *testing.T) {
	h := newHarness(t, &fakeStore{})

	reply := h.request(t, Request{Document: json.RawMessage(feederDoc), Clear: true})
	if reply.Error != "" || reply.Result == nil {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Result.DiagramID != "feeder_12_20240309_140507" || reply.Result.NodesCreated != 2 || reply.Result.RelationshipsCreated != 1 {
		t.Fatalf("result = %+v", reply.Result)
	}
	if !h.store.opts[0].Clear {
		t.Fatal("clear flag not passed through")
	}

	var ev natsutil.Event[Stored]
	if err := json.Unmarshal(receive(t, h.stored).Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID == "" || ev.Payload.DiagramID != "feeder_12_20240309_140507" || ev.Payload.Title != "Feeder 12" {
		t.Fatalf("event = %+v", ev)
	}
	if !strings.Contains(h.reg.Render(), `gridgraph_ingest_total{result="ok"} 1`) {
		t.Fatalf("metrics:\n%s", h.reg.Render())
	}
}

func TestFireAndForgetPublish(t *testing.T) {
	h := newHarness(t, &fakeStore{})
	if err := natsutil.Publish(context.Background(), h.nc, SubjectStore, Request{Document: json.RawMessage(feederDoc)}); err != nil {
		t.Fatal(err)
	}
	receive(t, h.stored)
	if h.store.callCount() != 1 {
		t.Fatalf("store calls = %d", h.store.callCount())
	}
}

func TestInvalidDocumentIsDeadLettered(t *testing.T) {
	h := newHarness(t, &fakeStore{})

	reply := h.request(t, Request{Document: json.RawMessage(`{"nodes": [{"type": "Bus"}]}`)})
	if reply.Kind != "validation" || reply.Result != nil {
		t.Fatalf("reply = %+v", reply)
	}
	dl := deadLetter(t, h)
	if dl.Kind != "validation" || dl.Subject != SubjectStore || dl.Attempts != 0 {
		t.Fatalf("dead letter = %+v", dl)
	}
	if h.store.callCount() != 0 {
		t.Fatal("invalid documents must not reach the store")
	}
}

func TestDanglingEdgeIsReferenceFailure(t *testing.T) {
	h := newHarness(t, &fakeStore{})
	reply := h.request(t, Request{Document: json.RawMessage(danglingDoc)})
	if reply.Kind != "reference" || !strings.Contains(reply.Error, "CB9") {
		t.Fatalf("reply = %+v", reply)
	}
	if dl := deadLetter(t, h); dl.Kind != "reference" {
		t.Fatalf("dead letter = %+v", dl)
	}
}

func TestMalformedRequest(t *testing.T) {
	h := newHarness(t, &fakeStore{})
	if err := h.nc.Publish(SubjectStore, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	dl := deadLetter(t, h)
	if dl.Kind != "validation" || dl.Raw != "not json" {
		t.Fatalf("dead letter = %+v", dl)
	}
}

func TestConnectionFailuresAreRetried(t *testing.T) {
	down := &domain.ConnectionError{Op: "store", Err: context.DeadlineExceeded}
	h := newHarness(t, &fakeStore{errs: []error{down, down}})

	reply := h.request(t, Request{Document: json.RawMessage(feederDoc)})
	if reply.Error != "" {
		t.Fatalf("reply = %+v", reply)
	}
	if h.store.callCount() != 3 {
		t.Fatalf("store calls = %d, want 3", h.store.callCount())
	}
}

func TestPersistentOutageIsDeadLettered(t *testing.T) {
	down := &domain.ConnectionError{Op: "store", Err: context.DeadlineExceeded}
	h := newHarness(t, &fakeStore{errs: []error{down, down, down, down}})

	reply := h.request(t, Request{Document: json.RawMessage(feederDoc)})
	if reply.Kind != "connection" {
		t.Fatalf("reply = %+v", reply)
	}
	if dl := deadLetter(t, h); dl.Kind != "connection" || dl.Attempts != 3 {
		t.Fatalf("dead letter = %+v", dl)
	}
}

func TestOtherStoreErrorsAreNotRetried(t *testing.T) {
	h := newHarness(t, &fakeStore{errs: []error{errors.New("graph: store: boom")}})
	reply := h.request(t, Request{Document: json.RawMessage(feederDoc)})
	if reply.Kind != "error" || h.store.callCount() != 1 {
		t.Fatalf("reply = %+v calls = %d", reply, h.store.callCount())
	}
}

func TestOpenBreakerRejectsWithoutStoring(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 1, Cooldown: time.Hour})
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("down") })

	h := newHarness(t, &fakeStore{}, WithBreaker(b))
	reply := h.request(t, Request{Document: json.RawMessage(feederDoc)})
	if reply.Kind != "connection" || h.store.callCount() != 0 {
		t.Fatalf("reply = %+v calls = %d", reply, h.store.callCount())
	}
}

func TestPublishDeleted(t *testing.T) {
	nc := startTestNATS(t)
	ch := make(chan *nats.Msg, 1)
	if _, err := nc.ChanSubscribe(SubjectDeleted, ch); err != nil {
		t.Fatal(err)
	}
	res := graph.DeleteResult{Deleted: true, NodesDeleted: 4, RelationshipsDeleted: 3}
	if err := PublishDeleted(context.Background(), nc, "feeder_12_20240309_140507", res); err != nil {
		t.Fatal(err)
	}
	var ev natsutil.Event[Deleted]
	if err := json.Unmarshal(receive(t, ch).Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Payload.DiagramID != "feeder_12_20240309_140507" || ev.Payload.NodesDeleted != 4 || !ev.Payload.Deleted {
		t.Fatalf("event = %+v", ev)
	}
}
