// Package gateway binds the Scheduler to two transports: a JSON-RPC over
// WebSocket control channel (workflow/execution CRUD plus live event
// subscription) and a REST+SSE surface for plain HTTP callers. It owns no
// scheduling or dispatch logic — every method here is a thin decode/call/
// encode wrapper around scheduler.Scheduler.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/browserwf/internal/config"
	"github.com/basket/browserwf/internal/model"
	"github.com/basket/browserwf/internal/obs"
	"github.com/basket/browserwf/internal/scheduler"
	"github.com/basket/browserwf/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603
)

// Config bundles a gateway's dependencies and transport-level settings.
type Config struct {
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger

	Auth      config.AuthConfig
	CORS      config.CORSConfig
	RateLimit config.RateLimitConfig

	// AllowOrigins controls accepted Origin headers for the WebSocket
	// upgrade itself (distinct from the CORS headers plain HTTP fetches
	// rely on). An empty list means same-origin only.
	AllowOrigins []string

	Obs *obs.Provider
}

// Server is the gateway's HTTP/WebSocket front end.
type Server struct {
	cfg    Config
	logger *slog.Logger
	auth   *AuthMiddleware
}

// New returns a Server bound to cfg.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Obs == nil {
		cfg.Obs = obs.NoOp()
	}
	return &Server{cfg: cfg, logger: logger, auth: NewAuthMiddleware(cfg.Auth)}
}

// Handler returns the gateway's full HTTP routing table, wrapped with CORS,
// rate limiting and API key auth in that order — CORS headers are set even
// on a rejected cross-origin preflight, and a rate-limited caller never
// reaches the auth check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.HandleFunc("/api/workflows", s.handleWorkflows)
	mux.HandleFunc("/api/workflows/", s.handleWorkflowByID)
	mux.HandleFunc("/api/executions/", s.handleExecutionByID)

	if s.cfg.Obs.PrometheusHTTP != nil {
		mux.Handle("/metrics", s.cfg.Obs.PrometheusHTTP)
		mux.Handle("/metrics/prometheus", s.cfg.Obs.PrometheusHTTP)
	}

	rl := NewRateLimitMiddleware(s.cfg.RateLimit)
	rl.SetObs(s.cfg.Obs)
	cors := NewCORSMiddleware(s.cfg.CORS)
	return cors(rl.Wrap(s.auth.Wrap(s.instrument(mux))))
}

// instrument records browserwf.gateway.request.duration for every request
// that reaches the mux, after rate limiting and auth have run.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		_, span := obs.StartServerSpan(r.Context(), s.cfg.Obs.Tracer, "gateway."+r.Method+" "+r.URL.Path)
		next.ServeHTTP(w, r)
		span.End()
		s.cfg.Obs.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("http.route", r.URL.Path), attribute.String("http.method", r.Method)))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

// callerID identifies the authenticated caller for authz purposes. When
// auth is disabled (no key entry in context) it returns "", which the
// permissive reference Authorizer treats the same as any other caller.
func callerID(ctx context.Context) string {
	if entry := KeyEntryFromContext(ctx); entry != nil {
		return entry.Key
	}
	return ""
}

// --- JSON-RPC over WebSocket ---

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex

	subMu  sync.Mutex
	cancel context.CancelFunc
}

func (c *wsClient) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		return
	}
	c := &wsClient{conn: conn}
	s.logger.Info("ws_client_connected")
	defer func() {
		c.subMu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.subMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Warn("ws_write_failed", slog.String("method", req.Method), slog.Any("error", err))
		}
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

func (s *Server) handleRPC(ctx context.Context, c *wsClient, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	errResp := func(code int, msg string) *rpcResponse {
		if !hasID {
			return nil
		}
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		return errResp(ErrCodeInvalidRequest, "invalid request")
	}

	var result any
	var err error
	switch req.Method {
	case "workflow.create":
		var p struct {
			Workflow model.Workflow `json:"workflow"`
		}
		if jerr := json.Unmarshal(req.Params, &p); jerr != nil {
			return errResp(ErrCodeParse, jerr.Error())
		}
		var wfID string
		wfID, err = s.cfg.Scheduler.CreateWorkflow(ctx, p.Workflow)
		result = map[string]any{"workflow_id": wfID}
	case "workflow.execute":
		var p struct {
			WorkflowID  string         `json:"workflow_id"`
			Inputs      map[string]any `json:"inputs"`
			TriggerType string         `json:"trigger_type"`
		}
		if jerr := json.Unmarshal(req.Params, &p); jerr != nil {
			return errResp(ErrCodeParse, jerr.Error())
		}
		var execID string
		execID, err = s.cfg.Scheduler.ExecuteWorkflow(ctx, p.WorkflowID, p.Inputs, p.TriggerType)
		result = map[string]any{"execution_id": execID}
	case "execution.cancel":
		var p struct {
			ExecutionID string `json:"execution_id"`
		}
		if jerr := json.Unmarshal(req.Params, &p); jerr != nil {
			return errResp(ErrCodeParse, jerr.Error())
		}
		err = s.cfg.Scheduler.CancelExecution(ctx, callerID(ctx), p.ExecutionID)
		result = map[string]any{"ok": err == nil}
	case "execution.get":
		var p struct {
			ExecutionID string `json:"execution_id"`
		}
		if jerr := json.Unmarshal(req.Params, &p); jerr != nil {
			return errResp(ErrCodeParse, jerr.Error())
		}
		result, err = s.cfg.Scheduler.GetExecution(ctx, callerID(ctx), p.ExecutionID)
	case "execution.events.subscribe":
		var p struct {
			ExecutionID string `json:"execution_id"`
			FromSeq     int64  `json:"from_seq"`
		}
		if jerr := json.Unmarshal(req.Params, &p); jerr != nil {
			return errResp(ErrCodeParse, jerr.Error())
		}
		s.subscribeClient(ctx, c, callerID(ctx), p.ExecutionID, p.FromSeq)
		result = map[string]any{"subscribed": true}
	default:
		return errResp(ErrCodeMethodNotFound, "method not found: "+req.Method)
	}

	if err != nil {
		return errResp(ErrCodeInternal, err.Error())
	}
	if !hasID {
		return nil
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// subscribeClient replays any buffered events past fromSeq, then forwards
// live events for executionID to c as session.event notifications until
// the client disconnects or a newer subscription call replaces it.
func (s *Server) subscribeClient(ctx context.Context, c *wsClient, caller, executionID string, fromSeq int64) {
	replay, sub, err := s.cfg.Scheduler.SubscribeExecutionEvents(ctx, caller, executionID, fromSeq)
	if err != nil {
		s.logger.Warn("subscribe_failed", slog.String("execution_id", executionID), slog.Any("error", err))
		return
	}

	c.subMu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.subMu.Unlock()

	lastSeq := fromSeq
	for _, ev := range replay {
		_ = c.write(ctx, rpcResponse{JSONRPC: "2.0", Method: "execution.event", Params: ev})
		if ev.Seq > lastSeq {
			lastSeq = ev.Seq
		}
	}

	go func() {
		for {
			ev, ok := sub.Next(subCtx)
			if !ok {
				return
			}
			// The subscription was opened before the replay query, so an
			// event landing in that window arrives here a second time.
			if ev.Data.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Data.Seq
			if err := c.write(subCtx, rpcResponse{JSONRPC: "2.0", Method: "execution.event", Params: ev.Data}); err != nil {
				return
			}
		}
	}()
}

// --- REST API ---

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var wf model.Workflow
		if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := s.cfg.Scheduler.CreateWorkflow(r.Context(), wf)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"workflow_id": id})
	case http.MethodGet:
		owner := r.URL.Query().Get("owner")
		limit, offset := pagination(r)
		wfs, err := s.cfg.Scheduler.ListWorkflows(r.Context(), owner, store.WorkflowFilter{Status: model.WorkflowStatus(r.URL.Query().Get("status"))}, store.Page{Limit: limit, Offset: offset})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"workflows": wfs})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/workflows/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "workflow_id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "execute" && r.Method == http.MethodPost:
		var body struct {
			Inputs      map[string]any `json:"inputs"`
			TriggerType string         `json:"trigger_type"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		execID, err := s.cfg.Scheduler.ExecuteWorkflow(r.Context(), id, body.Inputs, body.TriggerType)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"execution_id": execID})
	case action == "archive" && r.Method == http.MethodPost:
		if err := s.cfg.Scheduler.ArchiveWorkflow(r.Context(), callerID(r.Context()), id); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	case action == "" && r.Method == http.MethodGet:
		wf, err := s.cfg.Scheduler.GetWorkflow(r.Context(), callerID(r.Context()), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, wf)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleExecutionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/executions/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "execution_id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "cancel" && r.Method == http.MethodPost:
		if err := s.cfg.Scheduler.CancelExecution(r.Context(), callerID(r.Context()), id); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	case action == "tasks" && r.Method == http.MethodGet:
		runs, err := s.cfg.Scheduler.ListTaskRuns(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"task_runs": runs})
	case action == "events" && r.Method == http.MethodGet:
		s.streamExecutionEvents(w, r, id)
	case action == "" && r.Method == http.MethodGet:
		exec, err := s.cfg.Scheduler.GetExecution(r.Context(), callerID(r.Context()), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, exec)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// streamExecutionEvents serves execution events as Server-Sent Events:
// every buffered event past Last-Event-ID first, then live events until
// the client disconnects.
func (s *Server) streamExecutionEvents(w http.ResponseWriter, r *http.Request, executionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	var fromSeq int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			fromSeq = n
		}
	}
	replay, sub, err := s.cfg.Scheduler.SubscribeExecutionEvents(r.Context(), callerID(r.Context()), executionID, fromSeq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastSeq := fromSeq
	for _, ev := range replay {
		writeSSE(w, ev)
		if ev.Seq > lastSeq {
			lastSeq = ev.Seq
		}
	}
	flusher.Flush()

	for {
		ev, ok := sub.Next(r.Context())
		if !ok {
			return
		}
		if ev.Data.Seq <= lastSeq {
			continue
		}
		lastSeq = ev.Data.Seq
		writeSSE(w, ev.Data)
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, event model.ExecutionEvent) {
	data, _ := json.Marshal(event)
	_, _ = w.Write([]byte("id: " + strconv.FormatInt(event.Seq, 10) + "\n"))
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
