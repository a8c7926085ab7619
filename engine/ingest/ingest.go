// Package ingest consumes diagram store requests from NATS, writes them
// through the graph engine and announces the outcome.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/gridgraph/engine/domain"
	"github.com/WessleyAI/gridgraph/engine/graph"
	"github.com/WessleyAI/gridgraph/pkg/fn"
	"github.com/WessleyAI/gridgraph/pkg/metrics"
	"github.com/WessleyAI/gridgraph/pkg/natsutil"
	"github.com/WessleyAI/gridgraph/pkg/resilience"
	"github.com/nats-io/nats.go"
)

const (
	// SubjectStore carries Request messages from the extraction side.
	SubjectStore = "diagrams.store"
	// SubjectStored announces every committed diagram.
	SubjectStored = "diagrams.stored"
	// SubjectDLQ receives requests that failed for good.
	SubjectDLQ = "diagrams.store.dlq"
	// SubjectDeleted announces removed diagrams.
	SubjectDeleted = "diagrams.deleted"

	DefaultQueue = "gridgraph-ingest"
)

// Request asks for one document to be stored.
type Request struct {
	Document json.RawMessage `json:"document"`
	Clear    bool            `json:"clear,omitempty"`
}

// Reply answers request/reply callers. Exactly one of Result or Error is set.
type Reply struct {
	Result *graph.StorageResult `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
	Kind   string               `json:"kind,omitempty"`
}

// Stored is the payload of SubjectStored events.
type Stored struct {
	graph.StorageResult
	Title string `json:"title,omitempty"`
}

// Deleted is the payload of SubjectDeleted events.
type Deleted struct {
	DiagramID string `json:"diagram_id"`
	graph.DeleteResult
}

// Storer is the slice of the graph engine the consumer writes through.
type Storer interface {
	Store(ctx context.Context, doc domain.Document, opts graph.StoreOptions) (graph.StorageResult, error)
}

// job is one request moving through the pipeline.
type job struct {
	req      Request
	doc      domain.Document
	attempts *int
}

// Consumer turns SubjectStore messages into stored diagrams.
type Consumer struct {
	nc       *nats.Conn
	store    Storer
	log      *slog.Logger
	metrics  *metrics.Collector
	breaker  *resilience.Breaker
	retry    fn.RetryOpts
	queue    string
	pipeline fn.Stage[job, Stored]
}

// Option configures a Consumer.
type Option func(*Consumer)

func WithLogger(l *slog.Logger) Option         { return func(c *Consumer) { c.log = l } }
func WithMetrics(r *metrics.Collector) Option  { return func(c *Consumer) { c.metrics = r } }
func WithBreaker(b *resilience.Breaker) Option { return func(c *Consumer) { c.breaker = b } }
func WithQueue(q string) Option                { return func(c *Consumer) { c.queue = q } }

// WithRetry replaces the backoff schedule. Only connection failures are
// ever retried, whatever opts.Retryable says.
func WithRetry(opts fn.RetryOpts) Option { return func(c *Consumer) { c.retry = opts } }

// isUnavailable reports failures that say nothing about the document.
func isUnavailable(err error) bool {
	return errors.Is(err, domain.ErrConnection) || errors.Is(err, resilience.ErrOpen)
}

// NewConsumer wires the decode, validate and store stages.
func NewConsumer(nc *nats.Conn, store Storer, opts ...Option) *Consumer {
	c := &Consumer{
		nc:      nc,
		store:   store,
		log:     slog.Default(),
		metrics: metrics.New(),
		retry:   fn.DefaultRetry,
		queue:   DefaultQueue,
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewBreaker(resilience.BreakerOpts{
			Counts: func(err error) bool { return errors.Is(err, domain.ErrConnection) },
			OnStateChange: func(from, to resilience.State) {
				c.log.Warn("ingest: store breaker", "from", from.String(), "to", to.String())
			},
		})
	}
	c.retry.Retryable = func(err error) bool { return errors.Is(err, domain.ErrConnection) }
	c.retry.OnRetry = func(attempt int, err error) {
		c.log.Warn("ingest: store unavailable, retrying", "attempt", attempt, "err", err)
	}

	store1 := resilience.Stage(c.breaker, fn.Lift(c.storeJob))
	c.pipeline = fn.Then(
		fn.TracedStage("ingest.validate", fn.Lift(validate)),
		fn.TracedStage("ingest.store", fn.RetryStage(c.retry, store1)),
	)
	return c
}

func validate(_ context.Context, j job) (job, error) {
	doc, err := domain.ParseDocument(j.req.Document)
	if err != nil {
		return j, err
	}
	j.doc = doc
	return j, nil
}

func (c *Consumer) storeJob(ctx context.Context, j job) (Stored, error) {
	*j.attempts++
	res, err := c.store.Store(ctx, j.doc, graph.StoreOptions{Clear: j.req.Clear})
	if err != nil {
		return Stored{}, err
	}
	return Stored{StorageResult: res, Title: j.doc.Metadata.Title}, nil
}

// Start subscribes to SubjectStore in the consumer's queue group.
func (c *Consumer) Start() (*nats.Subscription, error) {
	sub, err := c.nc.QueueSubscribe(SubjectStore, c.queue, c.Handle)
	if err != nil {
		return nil, fmt.Errorf("ingest: subscribe %s: %w", SubjectStore, err)
	}
	c.log.Info("ingest: consuming", "subject", SubjectStore, "queue", c.queue)
	return sub, nil
}

// Handle processes one store request.
func (c *Consumer) Handle(msg *nats.Msg) {
	ctx := natsutil.Extract(msg)
	start := time.Now()

	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.fail(msg, 0, domain.NewValidationError("request", err.Error(), domain.ErrMalformed))
		return
	}
	attempts := 0
	res, err := c.pipeline(ctx, job{req: req, attempts: &attempts}).Unwrap()
	c.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.fail(msg, attempts, err)
		return
	}

	c.metrics.Ingest.WithLabelValues("ok").Inc()
	c.log.Info("ingest: stored", "diagram_id", res.DiagramID, "attempts", attempts)

	if _, err := natsutil.PublishEvent(ctx, c.nc, SubjectStored, res); err != nil {
		c.log.Error("ingest: publish stored event", "diagram_id", res.DiagramID, "err", err)
	}
	if err := natsutil.Respond(msg, Reply{Result: &res.StorageResult}); err != nil {
		c.log.Error("ingest: reply", "diagram_id", res.DiagramID, "err", err)
	}
}

// fail dead-letters msg and tells a waiting requester why.
func (c *Consumer) fail(msg *nats.Msg, attempts int, err error) {
	kind := graph.ErrorKind(err)
	if isUnavailable(err) {
		kind = "connection"
	}
	c.metrics.Ingest.WithLabelValues(kind).Inc()

	level := slog.LevelWarn
	if kind == "connection" || kind == "error" {
		level = slog.LevelError
	}
	c.log.Log(context.Background(), level, "ingest: store request failed", "kind", kind, "attempts", attempts, "err", err)

	if perr := natsutil.PublishDeadLetter(c.nc, SubjectDLQ, msg, kind, attempts, err); perr != nil {
		c.log.Error("ingest: dead-letter", "err", perr)
	}
	if rerr := natsutil.Respond(msg, Reply{Error: err.Error(), Kind: kind}); rerr != nil {
		c.log.Error("ingest: reply", "err", rerr)
	}
}

// PublishDeleted announces a removed diagram.
func PublishDeleted(ctx context.Context, nc *nats.Conn, diagramID string, res graph.DeleteResult) error {
	_, err := natsutil.PublishEvent(ctx, nc, SubjectDeleted, Deleted{DiagramID: diagramID, DeleteResult: res})
	return err
}
