package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/WessleyAI/gridgraph/engine/domain"
	"github.com/WessleyAI/gridgraph/engine/graph"
	"github.com/WessleyAI/gridgraph/pkg/config"
	"github.com/WessleyAI/gridgraph/pkg/metrics"
	"github.com/WessleyAI/gridgraph/pkg/mid"
	"golang.org/x/time/rate"
)

// maxDocumentBytes caps POST /api/diagrams bodies.
const maxDocumentBytes = 32 << 20

// engine is the graph engine surface the handlers use.
type engine interface {
	Ping(ctx context.Context) error
	Store(ctx context.Context, doc domain.Document, opts graph.StoreOptions) (graph.StorageResult, error)
	StoreSummary(ctx context.Context) (graph.StoreSummary, error)
	ListDiagrams(ctx context.Context) ([]graph.DiagramRecord, error)
	ResolveIdentifier(ctx context.Context, ident string) (string, error)
	Summary(ctx context.Context, diagramID string) (graph.SummaryResult, error)
	Graph(ctx context.Context, diagramID string) (graph.GraphData, error)
	ProtectionSchemes(ctx context.Context, diagramID string) ([]graph.ProtectionRecord, error)
	Calculations(ctx context.Context, diagramID string) (json.RawMessage, error)
	Ontology(ctx context.Context, diagramID string) (domain.Ontology, error)
	FindPath(ctx context.Context, diagramID, from, to, relType string) ([]string, error)
	Connections(ctx context.Context, diagramID, nodeID string) ([]graph.Connection, error)
	Nodes(ctx context.Context, diagramID, nodeType string) ([]graph.GraphNode, error)
	Node(ctx context.Context, diagramID, nodeID string) (graph.GraphNode, error)
	Edges(ctx context.Context, diagramID, edgeType string) ([]graph.GraphEdge, error)
	EdgeTypes(ctx context.Context, diagramID string) ([]graph.TypeCount, error)
	DeleteDiagram(ctx context.Context, diagramID string) (graph.DeleteResult, error)
	RunReadQuery(ctx context.Context, diagramID, text string) ([]map[string]any, error)
}

type server struct {
	eng            engine
	log            *slog.Logger
	publishDeleted func(ctx context.Context, diagramID string, res graph.DeleteResult) error
}

func newServer(eng engine, log *slog.Logger) *server {
	return &server{eng: eng, log: log}
}

func (s *server) routes(queryLimit *rate.Limiter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/summary", s.handleStoreSummary)
	mux.HandleFunc("GET /api/diagrams", s.handleList)
	mux.HandleFunc("POST /api/diagrams", s.handleStore)
	mux.HandleFunc("GET /api/diagrams/{id}/summary", s.withDiagram(s.handleSummary))
	mux.HandleFunc("GET /api/diagrams/{id}/graph", s.withDiagram(s.handleGraph))
	mux.HandleFunc("GET /api/diagrams/{id}/protection-schemes", s.withDiagram(s.handleProtection))
	mux.HandleFunc("GET /api/diagrams/{id}/calculations", s.withDiagram(s.handleCalculations))
	mux.HandleFunc("GET /api/diagrams/{id}/ontology", s.withDiagram(s.handleOntology))
	mux.HandleFunc("GET /api/diagrams/{id}/paths/{from}/{to}", s.withDiagram(s.handlePath))
	mux.HandleFunc("GET /api/diagrams/{id}/path", s.withDiagram(s.handlePath))
	mux.HandleFunc("GET /api/diagrams/{id}/nodes", s.withDiagram(s.handleNodes))
	mux.HandleFunc("GET /api/diagrams/{id}/nodes/{node}", s.withDiagram(s.handleNode))
	mux.HandleFunc("GET /api/diagrams/{id}/nodes/{node}/connections", s.withDiagram(s.handleConnections))
	mux.HandleFunc("GET /api/diagrams/{id}/edges", s.withDiagram(s.handleEdges))
	mux.HandleFunc("GET /api/diagrams/{id}/edges/types", s.withDiagram(s.handleEdgeTypes))
	mux.HandleFunc("DELETE /api/diagrams/{id}", s.withDiagram(s.handleDelete))
	mux.Handle("POST /api/query", mid.RateLimit(queryLimit)(http.HandlerFunc(s.handleQuery)))
	return mux
}

func (s *server) handler(cfg config.HTTP, reg *metrics.Collector) http.Handler {
	mux := s.routes(rate.NewLimiter(rate.Limit(cfg.QueryRate), cfg.QueryBurst))
	mux.Handle("GET /metrics", reg.Handler())
	return mid.Chain(mux,
		mid.Recover(s.log),
		mid.RequestID(),
		mid.Logger(s.log),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("gridgraph-api"),
		mid.Metrics(reg),
	)
}

// --- Responses ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(kind string) int {
	switch kind {
	case "validation", "query":
		return http.StatusBadRequest
	case "not_found", "no_path":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	case "reference":
		return http.StatusUnprocessableEntity
	case "connection":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := graph.ErrorKind(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "err", err, "request_id", mid.RequestIDFrom(r.Context()))
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

// withDiagram resolves the {id} path value, which may be a listing index,
// before calling h.
func (s *server) withDiagram(h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.eng.ResolveIdentifier(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		h(w, r, id)
	}
}

// --- Handlers ---

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleStoreSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.eng.StoreSummary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.eng.ListDiagrams(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []graph.DiagramRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"diagrams": recs, "count": len(recs)})
}

func (s *server) handleStore(w http.ResponseWriter, r *http.Request) {
	wipe, err := parseBool(r.URL.Query().Get("clear"))
	if err != nil {
		s.writeError(w, r, domain.NewValidationError("clear", r.URL.Query().Get("clear"), domain.ErrMalformed))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		s.writeError(w, r, domain.NewValidationError("document", err.Error(), domain.ErrMalformed))
		return
	}
	doc, err := domain.ParseDocument(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.eng.Store(r.Context(), doc, graph.StoreOptions{Clear: wipe})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func parseBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func (s *server) handleSummary(w http.ResponseWriter, r *http.Request, id string) {
	sum, err := s.eng.Summary(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *server) handleGraph(w http.ResponseWriter, r *http.Request, id string) {
	data, err := s.eng.Graph(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *server) handleProtection(w http.ResponseWriter, r *http.Request, id string) {
	recs, err := s.eng.ProtectionSchemes(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []graph.ProtectionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"diagram_id": id, "protection_schemes": recs})
}

func (s *server) handleCalculations(w http.ResponseWriter, r *http.Request, id string) {
	raw, err := s.eng.Calculations(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

func (s *server) handleOntology(w http.ResponseWriter, r *http.Request, id string) {
	ont, err := s.eng.Ontology(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ont)
}

// handlePath serves both the /paths/{from}/{to} form and /path?from=&to=,
// the latter for node ids containing a slash.
func (s *server) handlePath(w http.ResponseWriter, r *http.Request, id string) {
	from, to := r.PathValue("from"), r.PathValue("to")
	if from == "" && to == "" {
		q := r.URL.Query()
		from, to = q.Get("from"), q.Get("to")
	}
	for field, v := range map[string]string{"from": from, "to": to} {
		if v == "" {
			s.writeError(w, r, domain.NewValidationError(field, "", domain.ErrRequired))
			return
		}
	}
	path, err := s.eng.FindPath(r.Context(), id, from, to, r.URL.Query().Get("type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diagram_id": id, "from": from, "to": to, "path": path, "hops": len(path) - 1})
}

func (s *server) handleNodes(w http.ResponseWriter, r *http.Request, id string) {
	nodes, err := s.eng.Nodes(r.Context(), id, r.URL.Query().Get("type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []graph.GraphNode{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"diagram_id": id, "nodes": nodes, "count": len(nodes)})
}

func (s *server) handleNode(w http.ResponseWriter, r *http.Request, id string) {
	node, err := s.eng.Node(r.Context(), id, r.PathValue("node"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *server) handleEdges(w http.ResponseWriter, r *http.Request, id string) {
	edges, err := s.eng.Edges(r.Context(), id, r.URL.Query().Get("type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if edges == nil {
		edges = []graph.GraphEdge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"diagram_id": id, "edges": edges, "count": len(edges)})
}

func (s *server) handleEdgeTypes(w http.ResponseWriter, r *http.Request, id string) {
	types, err := s.eng.EdgeTypes(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if types == nil {
		types = []graph.TypeCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"diagram_id": id, "edge_types": types})
}

func (s *server) handleConnections(w http.ResponseWriter, r *http.Request, id string) {
	conns, err := s.eng.Connections(r.Context(), id, r.PathValue("node"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if conns == nil {
		conns = []graph.Connection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"diagram_id": id, "node_id": r.PathValue("node"), "connections": conns})
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	res, err := s.eng.DeleteDiagram(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.publishDeleted != nil {
		if err := s.publishDeleted(r.Context(), id, res); err != nil {
			s.log.Warn("publish delete event", "diagram_id", id, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"diagram_id": id, "result": res})
}

type queryRequest struct {
	DiagramID string `json:"diagram_id"`
	Query     string `json:"query"`
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, r, domain.NewQueryError("", "invalid request body", err))
		return
	}
	id := req.DiagramID
	if id != "" {
		var err error
		if id, err = s.eng.ResolveIdentifier(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	rows, err := s.eng.RunReadQuery(r.Context(), id, req.Query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows, "count": len(rows)})
}
