package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	charmlog "github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/gridgraph/engine/domain"
	"github.com/WessleyAI/gridgraph/engine/graph"
	"github.com/WessleyAI/gridgraph/pkg/config"
)

// engine is the graph engine surface the commands use.
type engine interface {
	Ping(ctx context.Context) error
	Store(ctx context.Context, doc domain.Document, opts graph.StoreOptions) (graph.StorageResult, error)
	Clear(ctx context.Context) error
	StoreSummary(ctx context.Context) (graph.StoreSummary, error)
	ListDiagrams(ctx context.Context) ([]graph.DiagramRecord, error)
	ResolveIdentifier(ctx context.Context, ident string) (string, error)
	Summary(ctx context.Context, diagramID string) (graph.SummaryResult, error)
	ProtectionSchemes(ctx context.Context, diagramID string) ([]graph.ProtectionRecord, error)
	FindPath(ctx context.Context, diagramID, from, to, relType string) ([]string, error)
	Connections(ctx context.Context, diagramID, nodeID string) ([]graph.Connection, error)
	DeleteDiagram(ctx context.Context, diagramID string) (graph.DeleteResult, error)
	RunReadQuery(ctx context.Context, diagramID, text string) ([]map[string]any, error)
}

// app carries the state shared by every command. Tests swap the open and
// dial hooks.
type app struct {
	out, errOut io.Writer

	configPath string
	verbose    bool
	asJSON     bool

	cfg config.Config
	log *slog.Logger

	open func(ctx context.Context, a *app) (engine, func(), error)
	dial func(url string) (*nats.Conn, error)
}

func newApp(out, errOut io.Writer) *app {
	return &app{
		out:    out,
		errOut: errOut,
		open:   openStore,
		dial:   func(url string) (*nats.Conn, error) { return nats.Connect(url, nats.Name("gridgraph-cli")) },
	}
}

// setup loads configuration and builds the logger. It runs before every command.
func (a *app) setup() error {
	level := charmlog.WarnLevel
	if a.verbose {
		level = charmlog.DebugLevel
	}
	a.log = slog.New(charmlog.NewWithOptions(a.errOut, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	}))

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func openStore(ctx context.Context, a *app) (engine, func(), error) {
	driver, err := graph.NewDriver(a.cfg.Neo4j)
	if err != nil {
		return nil, nil, err
	}
	gs := graph.New(driver, a.cfg.Neo4j, graph.WithLogger(a.log))
	if err := gs.EnsureSchema(ctx); err != nil {
		_ = driver.Close(context.Background())
		return nil, nil, err
	}
	return gs, func() { _ = driver.Close(context.Background()) }, nil
}

// withEngine opens the store for the duration of fn.
func (a *app) withEngine(ctx context.Context, fn func(engine) error) error {
	eng, closeFn, err := a.open(ctx, a)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(eng)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Exit codes by failure kind.
const (
	exitFailure     = 1
	exitInvalid     = 2
	exitNotFound    = 3
	exitUnavailable = 4
)

func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrReference), errors.Is(err, domain.ErrQuery):
		return exitInvalid
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNoPath):
		return exitNotFound
	case errors.Is(err, domain.ErrConnection):
		return exitUnavailable
	default:
		return exitFailure
	}
}
