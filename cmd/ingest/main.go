// Command ingest consumes diagram store requests from NATS and writes them
// into the graph store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/gridgraph/engine/graph"
	"github.com/WessleyAI/gridgraph/engine/ingest"
	"github.com/WessleyAI/gridgraph/pkg/config"
	"github.com/WessleyAI/gridgraph/pkg/metrics"
	"github.com/nats-io/nats.go"
)

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("GRIDGRAPH_CONFIG"), "path to TOML config file")
		metricsAddr = flag.String("metrics", ":9091", "address for the /metrics listener, empty to disable")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := run(cfg, *metricsAddr, log); err != nil {
		log.Error("ingest exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, metricsAddr string, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := graph.NewDriver(cfg.Neo4j)
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(context.Background())

	reg := metrics.New().WithRuntime()
	gs := graph.New(driver, cfg.Neo4j, graph.WithLogger(log), graph.WithMetrics(reg))
	if err := gs.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	log.Info("connected to Neo4j", "uri", cfg.Neo4j.URI, "database", cfg.Neo4j.Database)

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("gridgraph-ingest"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { log.Warn("nats disconnected", "err", err) }),
		nats.ReconnectHandler(func(c *nats.Conn) { log.Info("nats reconnected", "url", c.ConnectedUrl()) }),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	consumer := ingest.NewConsumer(nc, gs,
		ingest.WithLogger(log),
		ingest.WithMetrics(reg),
		ingest.WithQueue(cfg.NATS.Queue),
	)
	if _, err := consumer.Start(); err != nil {
		return err
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", reg.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener", "err", err)
			}
		}()
		defer srv.Close()
	}

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}
