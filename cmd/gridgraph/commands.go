package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/WessleyAI/gridgraph/engine/domain"
	"github.com/WessleyAI/gridgraph/engine/graph"
	"github.com/WessleyAI/gridgraph/engine/ingest"
	"github.com/WessleyAI/gridgraph/pkg/fn"
	"github.com/WessleyAI/gridgraph/pkg/natsutil"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "gridgraph",
		Short:         "Store and query one-line diagram knowledge graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", os.Getenv("GRIDGRAPH_CONFIG"), "path to TOML config file")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVar(&a.asJSON, "json", false, "print JSON instead of tables")

	root.AddCommand(
		newStoreCmd(a),
		newListCmd(a),
		newSummaryCmd(a),
		newDeleteCmd(a),
		newClearCmd(a),
		newProtectionCmd(a),
		newPathCmd(a),
		newConnectionsCmd(a),
		newQueryCmd(a),
		newPingCmd(a),
		newInspectCmd(a),
		newWatchCmd(a),
	)
	return root
}

func newStoreCmd(a *app) *cobra.Command {
	var wipe, viaNATS bool
	cmd := &cobra.Command{
		Use:   "store FILE",
		Short: "Validate a diagram document and write it as a new diagram",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := domain.ParseDocument(data)
			if err != nil {
				return err
			}

			var res graph.StorageResult
			if viaNATS {
				res, err = a.storeViaNATS(ctx, data, wipe)
			} else {
				err = a.withEngine(ctx, func(eng engine) error {
					res, err = eng.Store(ctx, doc, graph.StoreOptions{Clear: wipe})
					return err
				})
			}
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(res)
			}
			printStored(a.out, res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wipe, "clear", false, "wipe the whole store before writing")
	cmd.Flags().BoolVar(&viaNATS, "nats", false, "send the document to the ingest service instead of writing directly")
	return cmd
}

// storeViaNATS hands the raw document to the ingest consumer and waits for its reply.
func (a *app) storeViaNATS(ctx context.Context, data []byte, wipe bool) (graph.StorageResult, error) {
	nc, err := a.dial(a.cfg.NATS.URL)
	if err != nil {
		return graph.StorageResult{}, &domain.ConnectionError{Op: "nats connect", Err: err}
	}
	defer nc.Close()

	reply, err := natsutil.Request[ingest.Request, ingest.Reply](ctx, nc, ingest.SubjectStore,
		ingest.Request{Document: json.RawMessage(data), Clear: wipe})
	if err != nil {
		return graph.StorageResult{}, &domain.ConnectionError{Op: "nats request", Err: err}
	}
	if reply.Error != "" {
		return graph.StorageResult{}, fmt.Errorf("ingest (%s): %s", reply.Kind, reply.Error)
	}
	if reply.Result == nil {
		return graph.StorageResult{}, fmt.Errorf("ingest: empty reply")
	}
	return *reply.Result, nil
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored diagrams, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(eng engine) error {
				recs, err := eng.ListDiagrams(cmd.Context())
				if err != nil {
					return err
				}
				if a.asJSON {
					return a.printJSON(recs)
				}
				printDiagrams(a.out, recs)
				return nil
			})
		},
	}
}

func newSummaryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summary [ID|INDEX]",
		Short: "Count nodes and relationships by type, for one diagram or the whole store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withEngine(ctx, func(eng engine) error {
				if len(args) == 0 {
					sum, err := eng.StoreSummary(ctx)
					if err != nil {
						return err
					}
					if a.asJSON {
						return a.printJSON(sum)
					}
					printCounts(a.out, fmt.Sprintf("%d diagrams", sum.Diagrams), sum.NodeCounts, sum.RelationshipCounts)
					return nil
				}
				id, err := eng.ResolveIdentifier(ctx, args[0])
				if err != nil {
					return err
				}
				sum, err := eng.Summary(ctx, id)
				if err != nil {
					return err
				}
				if a.asJSON {
					return a.printJSON(sum)
				}
				printCounts(a.out, fmt.Sprintf("%s (%s)", sum.Title, sum.DiagramID), sum.NodeCounts, sum.RelationshipCounts)
				return nil
			})
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID|INDEX",
		Short: "Remove one diagram and everything scoped to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withEngine(ctx, func(eng engine) error {
				id, err := eng.ResolveIdentifier(ctx, args[0])
				if err != nil {
					return err
				}
				res, err := eng.DeleteDiagram(ctx, id)
				if err != nil {
					return err
				}
				if a.asJSON {
					return a.printJSON(res)
				}
				fmt.Fprintf(a.out, "%s %s: %d nodes, %d relationships\n",
					styleSuccess.Render("deleted"), id, res.NodesDeleted, res.RelationshipsDeleted)
				return nil
			})
		},
	}
}

func newClearCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every diagram in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return domain.NewValidationError("yes", "false", fmt.Errorf("refusing to clear the store without --yes"))
			}
			return a.withEngine(cmd.Context(), func(eng engine) error {
				if err := eng.Clear(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(a.out, styleSuccess.Render("store cleared"))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}

func newProtectionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "protection ID|INDEX",
		Short: "List relays and the equipment they protect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withEngine(ctx, func(eng engine) error {
				id, err := eng.ResolveIdentifier(ctx, args[0])
				if err != nil {
					return err
				}
				recs, err := eng.ProtectionSchemes(ctx, id)
				if err != nil {
					return err
				}
				if a.asJSON {
					return a.printJSON(recs)
				}
				printProtection(a.out, recs)
				return nil
			})
		},
	}
}

func newPathCmd(a *app) *cobra.Command {
	var relType string
	cmd := &cobra.Command{
		Use:   "path ID|INDEX FROM TO",
		Short: "Find the shortest connection between two components",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withEngine(ctx, func(eng engine) error {
				id, err := eng.ResolveIdentifier(ctx, args[0])
				if err != nil {
					return err
				}
				path, err := eng.FindPath(ctx, id, args[1], args[2], relType)
				if err != nil {
					return err
				}
				if a.asJSON {
					return a.printJSON(path)
				}
				fmt.Fprintf(a.out, "%s (%d hops)\n", strings.Join(path, " -> "), len(path)-1)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&relType, "type", "t", "", "only follow relationships of this type")
	return cmd
}

func newConnectionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "connections ID|INDEX NODE",
		Short: "Show what a component is connected to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withEngine(ctx, func(eng engine) error {
				id, err := eng.ResolveIdentifier(ctx, args[0])
				if err != nil {
					return err
				}
				conns, err := eng.Connections(ctx, id, args[1])
				if err != nil {
					return err
				}
				if a.asJSON {
					return a.printJSON(conns)
				}
				printConnections(a.out, conns)
				return nil
			})
		},
	}
}

func newQueryCmd(a *app) *cobra.Command {
	var diagram string
	cmd := &cobra.Command{
		Use:   "query CYPHER",
		Short: "Run a read-only Cypher query",
		Long: "Run a read-only Cypher query. With --diagram the query must use $diagram_id, " +
			"may only return nodes, relationships or paths, and only rows belonging to that " +
			"diagram are returned.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withEngine(ctx, func(eng engine) error {
				id := ""
				if diagram != "" {
					var err error
					if id, err = eng.ResolveIdentifier(ctx, diagram); err != nil {
						return err
					}
				}
				rows, err := eng.RunReadQuery(ctx, id, args[0])
				if err != nil {
					return err
				}
				if a.asJSON {
					return a.printJSON(rows)
				}
				printRows(a.out, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&diagram, "diagram", "d", "", "scope the query to one diagram (id or index)")
	return cmd
}

func newPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the graph store is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd.Context(), func(eng engine) error {
				if err := eng.Ping(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s %s\n", styleSuccess.Render("ok"), a.cfg.Neo4j.URI)
				return nil
			})
		},
	}
}

// inspected is one file checked by inspect.
type inspected struct {
	Path       string              `json:"path"`
	Summary    domain.LocalSummary `json:"summary"`
	Undeclared map[string][]string `json:"undeclared,omitempty"`
	Error      string              `json:"error,omitempty"`
}

func newInspectCmd(a *app) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Validate documents and count their contents without touching the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := fn.ParMap(args, workers, inspectFile)
			if a.asJSON {
				if err := a.printJSON(results); err != nil {
					return err
				}
			} else {
				printInspected(a.out, results)
			}
			for _, r := range results {
				if r.Error != "" {
					return domain.NewValidationError(r.Path, "", fmt.Errorf("%d of %d documents invalid", countInvalid(results), len(results)))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "files parsed concurrently")
	return cmd
}

func inspectFile(path string) inspected {
	doc, err := domain.LoadDocument(path)
	if err != nil {
		return inspected{Path: path, Error: err.Error()}
	}
	return inspected{Path: path, Summary: doc.Summarize(), Undeclared: doc.Undeclared()}
}

func countInvalid(rs []inspected) int {
	n := 0
	for _, r := range rs {
		if r.Error != "" {
			n++
		}
	}
	return n
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print stored, deleted and dead-lettered diagram events as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nc, err := a.dial(a.cfg.NATS.URL)
			if err != nil {
				return &domain.ConnectionError{Op: "nats connect", Err: err}
			}
			defer nc.Close()

			ctx := cmd.Context()
			events := make(chan string, 16)
			subs := []func() error{
				subscribeLines(nc, ingest.SubjectStored, events, ctx.Done(), func(ev natsutil.Event[ingest.Stored]) string {
					return fmt.Sprintf("%s %s %q: %d nodes, %d relationships", styleSuccess.Render("stored "),
						ev.Payload.DiagramID, ev.Payload.Title, ev.Payload.NodesCreated, ev.Payload.RelationshipsCreated)
				}),
				subscribeLines(nc, ingest.SubjectDeleted, events, ctx.Done(), func(ev natsutil.Event[ingest.Deleted]) string {
					return fmt.Sprintf("%s %s: %d nodes, %d relationships", styleWarning.Render("deleted"),
						ev.Payload.DiagramID, ev.Payload.NodesDeleted, ev.Payload.RelationshipsDeleted)
				}),
				subscribeLines(nc, ingest.SubjectDLQ, events, ctx.Done(), func(dl natsutil.DeadLetter) string {
					return fmt.Sprintf("%s %s after %d attempts: %s", styleError.Render("failed "), dl.Kind, dl.Attempts, dl.Reason)
				}),
			}
			for _, sub := range subs {
				if err := sub(); err != nil {
					return err
				}
			}
			if err := nc.Flush(); err != nil {
				return err
			}
			a.log.Info("watching", "url", a.cfg.NATS.URL)

			for {
				select {
				case <-ctx.Done():
					return nil
				case line := <-events:
					fmt.Fprintln(a.out, line)
				}
			}
		},
	}
}

// subscribeLines returns a deferred subscription that formats each message
// on subject and queues it for printing.
func subscribeLines[T any](nc *nats.Conn, subject string, out chan<- string, done <-chan struct{}, format func(T) string) func() error {
	return func() error {
		_, err := natsutil.Subscribe(nc, subject, func(_ context.Context, v T) {
			select {
			case out <- format(v):
			case <-done:
			}
		})
		return err
	}
}
