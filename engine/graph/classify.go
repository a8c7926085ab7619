package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/WessleyAI/gridgraph/engine/domain"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	codeConstraint  = "Neo.ClientError.Schema.ConstraintValidationFailed"
	codeTxTimedOut  = "Neo.ClientError.Transaction.TransactionTimedOut"
	prefixStatement = "Neo.ClientError.Statement."
	prefixTransient = "Neo.TransientError."
	tracerName      = "engine/graph"
)

func neo4jCode(err error) string {
	var ne *neo4j.Neo4jError
	if errors.As(err, &ne) {
		return ne.Code
	}
	return ""
}

func isDomainError(err error) bool {
	for _, kind := range []error{
		domain.ErrValidation, domain.ErrReference, domain.ErrNotFound,
		domain.ErrNoPath, domain.ErrConnection, domain.ErrQuery,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func isConnectionFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || neo4j.IsConnectivityError(err) {
		return true
	}
	code := neo4jCode(err)
	return strings.HasPrefix(code, codeTxTimedOut) || strings.HasPrefix(code, prefixTransient)
}

func isConstraintViolation(err error) bool {
	return neo4jCode(err) == codeConstraint
}

// classify maps a store failure onto the engine's error kinds. Domain errors
// pass through untouched.
func classify(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	if isConnectionFailure(err) {
		return &domain.ConnectionError{Op: op, Err: err}
	}
	return fmt.Errorf("graph: %s: %w", op, err)
}

// classifyQuery is classify for caller-supplied query text: statement
// errors become QueryErrors echoing the (truncated) text.
func classifyQuery(text string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	if strings.HasPrefix(neo4jCode(err), prefixStatement) {
		return domain.NewQueryError(text, "rejected by store", err)
	}
	return classify("read_query", err)
}

// ErrorKind names the kind of err for logs and metric labels.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrReference):
		return "reference"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrNoPath):
		return "no_path"
	case errors.Is(err, domain.ErrConnection):
		return "connection"
	case errors.Is(err, domain.ErrQuery):
		return "query"
	case errors.Is(err, ErrIDSpaceExhausted) || isConstraintViolation(err):
		return "conflict"
	default:
		return "error"
	}
}

// begin opens a span for op and returns the function that closes it,
// recording duration and outcome.
func (g *GraphStore) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "graph."+op, trace.WithAttributes(attrs...))
	start := time.Now()
	g.metrics.InFlight.Inc()
	return ctx, func(err error) {
		kind := ErrorKind(err)
		g.metrics.InFlight.Dec()
		g.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		g.metrics.Ops.WithLabelValues(op, kind).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if kind == "connection" || kind == "error" {
				g.log.Error("graph operation failed", "op", op, "err", err)
			}
		}
		span.End()
	}
}
