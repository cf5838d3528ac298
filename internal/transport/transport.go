// Package transport exposes the daemon over two surfaces on the same
// 127.0.0.1-only listener: a JSON-RPC endpoint for the three lifecycle
// operations, and a REST surface for read/delete queries (SPEC_FULL.md
// §6). Both the mux-plus-CORS-wrapper shape and the context-cancellation
// graceful Run are adapted from the teacher's api.Server.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"golang.org/x/net/netutil"

	"github.com/vinayprograms/sessiond/internal/config"
	"github.com/vinayprograms/sessiond/internal/coordinator"
	"github.com/vinayprograms/sessiond/internal/logging"
	"github.com/vinayprograms/sessiond/internal/query"
)

// connIDHeader is the transport-assigned connection id header carried on
// every JSON-RPC call (SPEC_FULL.md §6 "Transport").
const connIDHeader = "X-Connection-Id"

var tracer = otel.Tracer("sessiond/transport")

// rpcRequest / rpcResponse implement JSON-RPC 2.0 (§6 "Transport").
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Error codes per SPEC_FULL.md §7.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeSessionNotFound = -32000
	codeInternal        = -32001
)

// Server is the combined JSON-RPC + REST HTTP surface.
type Server struct {
	coord *coordinator.Coordinator
	query *query.Surface
	log   *logging.Logger

	maxConns int
	nc       *nats.Conn // optional; nil if no broker configured

	version     string
	startedAt   time.Time
	cfg         *config.Config
	cfgPath     string
	syncClient  *http.Client
	syncBaseURL string
}

// Config bundles the Server's dependencies.
type Config struct {
	Coordinator *coordinator.Coordinator
	Query       *query.Surface
	Logger      *logging.Logger
	MaxConns    int
	NATSUrl     string // empty disables pub/sub fan-out

	Version     string
	StartedAt   time.Time
	AppConfig   *config.Config // backing store for GET/POST /config
	ConfigPath  string
	SyncBaseURL string // remote aggregation base URL for the auth-proxy endpoints
}

// New builds a Server. A NATS connection is attempted if NATSUrl is set;
// failure to connect is logged and fan-out is silently disabled, since the
// dashboard feed is a convenience, not a correctness requirement.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}
	log = log.WithComponent("transport")

	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	srv := &Server{
		coord:       cfg.Coordinator,
		query:       cfg.Query,
		log:         log,
		maxConns:    cfg.MaxConns,
		version:     cfg.Version,
		startedAt:   startedAt,
		cfg:         cfg.AppConfig,
		cfgPath:     cfg.ConfigPath,
		syncClient:  &http.Client{Timeout: 10 * time.Second},
		syncBaseURL: cfg.SyncBaseURL,
	}

	if cfg.NATSUrl != "" {
		nc, err := nats.Connect(cfg.NATSUrl, nats.Name("sessiond"), nats.MaxReconnects(5))
		if err != nil {
			log.Warn("nats connect failed; dashboard fan-out disabled", map[string]interface{}{"error": err.Error()})
		} else {
			srv.nc = nc
		}
	}
	return srv
}

// publish best-effort announces a lifecycle event on subject
// "sessiond.events" for any connected dashboard to pick up.
func (s *Server) publish(kind string, payload interface{}) {
	if s.nc == nil {
		return
	}
	data, err := json.Marshal(map[string]interface{}{"kind": kind, "payload": payload})
	if err != nil {
		return
	}
	_ = s.nc.Publish("sessiond.events", data)
}

func corsWrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h(w, r)
	}
}

// Handler builds the full mux: /rpc for JSON-RPC, /sessions, /stats,
// /seal-active for REST (§6).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/rpc", corsWrap(s.handleRPC))
	mux.HandleFunc("/health", corsWrap(s.handleHealth))
	mux.HandleFunc("/sessions", corsWrap(s.handleSessions))
	mux.HandleFunc("/sessions/", corsWrap(s.handleSessionByID))
	mux.HandleFunc("/conversations/", corsWrap(s.handleConversationByID))
	mux.HandleFunc("/milestones", corsWrap(s.handleMilestones))
	mux.HandleFunc("/milestones/", corsWrap(s.handleMilestoneByID))
	mux.HandleFunc("/stats", corsWrap(s.handleStats))
	mux.HandleFunc("/config", corsWrap(s.handleConfig))
	mux.HandleFunc("/seal-active", corsWrap(s.handleSealActive))
	mux.HandleFunc("/send-otp", corsWrap(s.handleSyncProxy("send-otp")))
	mux.HandleFunc("/verify-otp", corsWrap(s.handleSyncProxy("verify-otp")))
	mux.HandleFunc("/sync", corsWrap(s.handleSyncProxy("sync")))

	return mux
}

// handleHealth reports liveness and the daemon's current load, per
// SPEC_FULL.md §6's GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	active, err := s.query.ActiveSessionCount()
	if err != nil {
		s.log.Warn("health: active session count failed", map[string]interface{}{"error": err.Error()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"version":          s.version,
		"active_sessions":  active,
		"open_connections": s.coord.OpenConnectionCount(),
		"uptime_seconds":   int64(time.Since(s.startedAt).Seconds()),
	})
}

// Run starts the HTTP server on a connection-limited 127.0.0.1 listener
// and blocks until ctx is cancelled, draining in-flight requests on the
// way out — adapted from api.Server.Run.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}

	httpServer := &http.Server{Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down transport", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("transport shutdown error", map[string]interface{}{"error": err.Error()})
		}
		if s.nc != nil {
			s.nc.Close()
		}
	}()

	s.log.Info("transport listening", map[string]interface{}{"addr": addr})
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- JSON-RPC ---------------------------------------------------------

// connectionID implements §6's transport responsibilities: it reads the
// caller's connection id from the header, assigning a fresh one on the
// first request that carries none. The assigned id is echoed back on the
// response header so the assistant can remember it for later calls.
func connectionID(w http.ResponseWriter, r *http.Request) string {
	id := r.Header.Get(connIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(connIDHeader, id)
	return id
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeRPCError(w, nil, codeInvalidRequest, "must POST JSON-RPC requests")
		return
	}

	connID := connectionID(w, r)

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, codeParseError, "malformed JSON-RPC request")
		return
	}

	ctx, span := tracer.Start(r.Context(), "rpc."+req.Method)
	defer span.End()

	result, rpcErr := s.dispatch(ctx, connID, req)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) dispatch(ctx context.Context, connID string, req rpcRequest) (interface{}, *rpcError) {
	switch req.Method {
	case "session_start":
		var p struct {
			Client            string `json:"client"`
			TaskType          string `json:"task_type"`
			Project           string `json:"project"`
			Title             string `json:"title"`
			PrivateTitle      string `json:"private_title"`
			Model             string `json:"model"`
			ConversationID    string `json:"conversation_id"`
			ConversationIndex *int   `json:"conversation_index"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &rpcError{codeInvalidParams, "invalid session_start params"}
		}
		msg, err := s.coord.SessionStart(ctx, coordinator.StartRequest{
			ConnectionID: connID, Client: p.Client, TaskType: p.TaskType,
			Project: p.Project, Title: p.Title, PrivateTitle: p.PrivateTitle,
			Model: p.Model, ConversationID: p.ConversationID, ConversationIndex: p.ConversationIndex,
		})
		if err != nil {
			return nil, translateErr(err)
		}
		s.publish("session_start", map[string]string{"connection_id": connID})
		return map[string]string{"message": msg}, nil

	case "useai_heartbeat":
		msg, err := s.coord.Heartbeat(ctx, connID)
		if err != nil {
			return nil, translateErr(err)
		}
		return map[string]string{"message": msg}, nil

	case "session_end":
		var p struct {
			Languages    []string                     `json:"languages"`
			FilesTouched int                          `json:"files_touched"`
			Model        string                       `json:"model"`
			Evaluation   map[string]string            `json:"evaluation"`
			Milestones   []coordinator.MilestoneInput `json:"milestones"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &rpcError{codeInvalidParams, "invalid session_end params"}
		}
		msg, err := s.coord.SessionEnd(ctx, coordinator.EndRequest{
			ConnectionID: connID, Languages: p.Languages, FilesTouched: p.FilesTouched,
			Model: p.Model, Evaluation: p.Evaluation, Milestones: p.Milestones,
		})
		if err != nil {
			return nil, translateErr(err)
		}
		s.publish("session_end", map[string]string{"connection_id": connID})
		return map[string]string{"message": msg}, nil

	default:
		return nil, &rpcError{codeMethodNotFound, "unknown method: " + req.Method}
	}
}

func translateErr(err error) *rpcError {
	if errors.Is(err, coordinator.ErrUnknownSession) {
		return &rpcError{codeSessionNotFound, "Session not found"}
	}
	return &rpcError{codeInternal, err.Error()}
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, msg string) {
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{code, msg}})
}

// --- REST ---------------------------------------------------------------

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	filter := query.ListFilter{
		Project:        q.Get("project"),
		Client:         q.Get("client"),
		ConversationID: q.Get("conversation_id"),
	}
	writeJSON(w, http.StatusOK, s.query.ListSessions(filter))
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	sessionID := parts[0]
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "milestones" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.query.ListMilestones(sessionID))
	case len(parts) == 2 && parts[1] == "chain" && r.Method == http.MethodGet:
		records, err := s.query.Tail(sessionID)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, records)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.query.DeleteSession(sessionID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimPrefix(r.URL.Path, "/conversations/")
	if conversationID == "" || r.Method != http.MethodDelete {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err := s.query.DeleteConversation(conversationID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMilestones serves GET /milestones, the full milestones index.
func (s *Server) handleMilestones(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.query.AllMilestones())
}

// handleMilestoneByID serves DELETE /milestones/{id} (SPEC_FULL.md §4.5).
func (s *Server) handleMilestoneByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/milestones/")
	if id == "" || r.Method != http.MethodDelete {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err := s.query.DeleteMilestone(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConfig implements GET/POST /config: read and update the local
// configuration (sync enablement, evaluation options, user profile).
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		http.Error(w, "config unavailable", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg)
	case http.MethodPost:
		var updated config.Config
		if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
			http.Error(w, "invalid config body", http.StatusBadRequest)
			return
		}
		*s.cfg = updated
		if s.cfgPath != "" {
			if err := s.cfg.Save(s.cfgPath); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		writeJSON(w, http.StatusOK, s.cfg)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSyncProxy forwards a request body verbatim to the remote
// aggregation service's corresponding endpoint and passes its response back
// unchanged (SPEC_FULL.md §6, RemoteSyncFailure in §7).
func (s *Server) handleSyncProxy(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.syncBaseURL == "" {
			http.Error(w, "sync not configured", http.StatusServiceUnavailable)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		req, err := http.NewRequestWithContext(r.Context(), r.Method, strings.TrimRight(s.syncBaseURL, "/")+"/"+path, strings.NewReader(string(body)))
		if err != nil {
			http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if auth := r.Header.Get("Authorization"); auth != "" {
			req.Header.Set("Authorization", auth)
		}

		resp, err := s.syncClient.Do(req)
		if err != nil {
			// RemoteSyncFailure: surface the failure to the caller, daemon
			// state is unaffected.
			http.Error(w, fmt.Sprintf("remote sync unreachable: %v", err), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.query.ComputeStats())
}

func (s *Server) handleSealActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, span := tracer.Start(r.Context(), "seal_active")
	defer span.End()
	count := s.coord.SealAllActive(r.Context())
	s.publish("seal_active", map[string]int{"sealed": count})
	writeJSON(w, http.StatusOK, map[string]int{"sealed": count})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
