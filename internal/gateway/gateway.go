// Package gateway exposes the grid's submit/result/cancel surface over
// HTTP and pushes task lifecycle events to subscribed WebSocket clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric"

	"github.com/opengrid/gridcore/internal/bus"
	"github.com/opengrid/gridcore/internal/model"
	gridotel "github.com/opengrid/gridcore/internal/otel"
	"github.com/opengrid/gridcore/internal/queryapi"
	"github.com/opengrid/gridcore/internal/submitter"
	"github.com/opengrid/gridcore/internal/taskqueue"
)

// Config wires the gateway to the control-plane collaborators it fronts.
type Config struct {
	Submitter *submitter.Submitter
	Query     *queryapi.QueryAPI
	Queue     *taskqueue.Queue
	Bus       *bus.Bus
	Metrics   *gridotel.Metrics

	AuthToken     string
	AllowOrigins  []string
	NumPriorities int
}

// Server is gridcore's HTTP/WS front door.
type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	depthMu   sync.Mutex
	lastDepth map[int]int64

	startedAt time.Time
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	subMu     sync.Mutex
	sessions  map[string]struct{}
	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

// New constructs a Server. Callers obtain an http.Handler via Handler.
func New(cfg Config) *Server {
	if cfg.NumPriorities <= 0 {
		cfg.NumPriorities = 1
	}
	return &Server{cfg: cfg, clients: map[*client]struct{}{}, lastDepth: map[int]int64{}, startedAt: time.Now()}
}

// Handler builds the mux gridd serves, wrapped with CORS and a request
// body size limit.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", s.handleSubmit)
	mux.HandleFunc("/result", s.handleResult)
	mux.HandleFunc("/cancel", s.handleCancel)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/healthz", s.handleHealthz)

	cors := NewCORSMiddleware(s.cfg.AllowOrigins)
	sizeLimit := RequestSizeLimitMiddleware(10 * 1024 * 1024)
	return cors(sizeLimit(mux))
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	return strings.TrimPrefix(authz, prefix) == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ok := true
	if _, err := s.cfg.Queue.Depth(r.Context(), -1); err != nil {
		ok = false
	}
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": ok, "uptime_seconds": time.Since(s.startedAt).Seconds()})
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP gridcore_queue_depth Number of messages visible or leased per priority tier.\n")
	fmt.Fprintf(w, "# TYPE gridcore_queue_depth gauge\n")
	for p := 0; p < s.cfg.NumPriorities; p++ {
		depth, err := s.cfg.Queue.Depth(ctx, p)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "gridcore_queue_depth{priority=%q} %d\n", fmt.Sprint(p), depth)
		s.recordQueueDepth(ctx, p, depth)
	}
	fmt.Fprintf(w, "# HELP gridcore_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE gridcore_alloc_bytes gauge\n")
	fmt.Fprintf(w, "gridcore_alloc_bytes %d\n", mem.Alloc)
	if s.cfg.Bus != nil {
		fmt.Fprintf(w, "# HELP gridcore_bus_dropped_events_total Events dropped because a subscriber's buffer was full.\n")
		fmt.Fprintf(w, "# TYPE gridcore_bus_dropped_events_total counter\n")
		fmt.Fprintf(w, "gridcore_bus_dropped_events_total %d\n", s.cfg.Bus.DroppedEventCount())
	}
	fmt.Fprintf(w, "# HELP gridcore_ws_clients Number of connected WebSocket clients.\n")
	fmt.Fprintf(w, "# TYPE gridcore_ws_clients gauge\n")
	s.clientsMu.RLock()
	fmt.Fprintf(w, "gridcore_ws_clients %d\n", len(s.clients))
	s.clientsMu.RUnlock()
}

// recordQueueDepth mirrors the prometheus-text gauge onto the otel
// up/down counter, which only accepts deltas, by tracking the last value
// observed per priority tier.
func (s *Server) recordQueueDepth(ctx context.Context, priority int, depth int64) {
	if s.cfg.Metrics == nil {
		return
	}
	s.depthMu.Lock()
	delta := depth - s.lastDepth[priority]
	s.lastDepth[priority] = depth
	s.depthMu.Unlock()
	if delta == 0 {
		return
	}
	s.cfg.Metrics.QueueDepth.Add(ctx, delta, metric.WithAttributes(gridotel.AttrPriority.Int(priority)))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req submitter.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	resp, err := s.cfg.Submitter.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("gateway: submit failed", "session_id", req.SessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	resolveOutput := r.URL.Query().Get("resolve") == "true"
	result, err := s.cfg.Query.Results(r.Context(), sessionID, resolveOutput)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		slog.Error("gateway: result lookup failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		SessionIDs []string `json:"session_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	cancelled, alreadyTerminal, err := s.cfg.Query.Cancel(r.Context(), req.SessionIDs)
	if err != nil {
		slog.Error("gateway: cancel failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"cancelled":        cancelled,
		"already_terminal": alreadyTerminal,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		return
	}
	c := &client{conn: conn, sessions: map[string]struct{}{}}
	s.addClient(c)
	slog.Info("gateway: ws client connected")
	defer func() {
		s.removeClient(c)
		slog.Info("gateway: ws client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req struct {
			Method    string `json:"method"`
			SessionID string `json:"session_id"`
		}
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		switch req.Method {
		case "subscribe":
			s.subscribeClientToSession(c, req.SessionID)
		case "unsubscribe":
			c.subMu.Lock()
			delete(c.sessions, req.SessionID)
			c.subMu.Unlock()
		}
	}
}

func (s *Server) subscribeClientToSession(c *client, sessionID string) {
	if s.cfg.Bus == nil || sessionID == "" {
		return
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.sessions[sessionID] = struct{}{}
	if c.busSub == nil {
		c.busSub = s.cfg.Bus.Subscribe("task.")
		var busCtx context.Context
		busCtx, c.busCancel = context.WithCancel(context.Background())
		go s.forwardBusEvents(busCtx, c)
	}
}

// forwardBusEvents relays task lifecycle events for sessions the client has
// subscribed to. Events carry their own session_id, so no query-back to the
// state table is needed to route them.
func (s *Server) forwardBusEvents(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.busSub.Ch():
			if !ok {
				return
			}
			sessionID, payload := eventSessionID(ev)
			if sessionID == "" {
				continue
			}
			c.subMu.Lock()
			_, subscribed := c.sessions[sessionID]
			c.subMu.Unlock()
			if !subscribed {
				continue
			}
			if err := c.write(ctx, map[string]any{"topic": ev.Topic, "payload": payload}); err != nil {
				return
			}
		}
	}
}

func eventSessionID(ev bus.Event) (string, any) {
	switch p := ev.Payload.(type) {
	case bus.TaskStateChangedEvent:
		return p.SessionID, p
	case bus.TaskClaimedEvent:
		return p.SessionID, p
	case bus.TaskInconsistentEvent:
		return p.SessionID, p
	default:
		return "", nil
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.subMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}
