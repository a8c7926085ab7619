// Command api serves the diagram graph over HTTP.
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
	configPath := flag.String("config", os.Getenv("GRIDGRAPH_CONFIG"), "path to TOML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := graph.NewDriver(cfg.Neo4j)
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(context.Background())

	reg := metrics.New().WithRuntime()
	gs := graph.New(driver, cfg.Neo4j, graph.WithLogger(logger), graph.WithMetrics(reg))
	if err := gs.EnsureSchema(ctx); err != nil {
		// The store may come up after us; handlers report 503 until it does.
		logger.Warn("ensure schema", "err", err)
	}

	srv := newServer(gs, logger)
	if nc, err := nats.Connect(cfg.NATS.URL, nats.Name("gridgraph-api")); err != nil {
		logger.Warn("nats unavailable, delete events disabled", "url", cfg.NATS.URL, "err", err)
	} else {
		defer nc.Close()
		srv.publishDeleted = func(ctx context.Context, id string, res graph.DeleteResult) error {
			return ingest.PublishDeleted(ctx, nc, id, res)
		}
	}

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      srv.handler(cfg.HTTP, reg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.HTTP.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}
