// Package adminapi exposes a small peripheral HTTP surface for operators:
// liveness/readiness, pool and kill-registry occupancy, and (optionally) a
// websocket tap that mirrors live session output for debugging. None of
// this sits on the dispatch hot path — the core session transport is the
// executor's own socket, never this server.
//
// Grounded on the teacher's api.APIServer: the same gorilla/mux router with
// a CORS middleware wrapper, narrowed from the economic-governance routes
// (escrow/reputation) to the dispatcher's own occupancy endpoints. The
// debug stream is adapted from the teacher's websocket.DAGStreamer hub —
// the same register/unregister/broadcast channel loop — renamed from DAG
// visualization events to session output events.
package adminapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/systeminit/veritech/internal/core"
	"github.com/systeminit/veritech/internal/killregistry"
	"github.com/systeminit/veritech/internal/pool"
)

// PoolStatter is the narrow surface adminapi needs from the executor pool.
type PoolStatter interface {
	Stats() pool.Stats
}

// KillRegistry is the narrow surface adminapi needs from the kill registry.
type KillRegistry interface {
	Len() int
}

// Killer is the narrow surface adminapi needs to fire a kill directly,
// used only by the delayed-kill callback endpoint.
type Killer interface {
	Kill(id core.ExecutionId) bool
}

// Server is the admin HTTP surface.
type Server struct {
	pool        PoolStatter
	killreg     KillRegistry
	killer      Killer // nil unless kill-after-grace-period is configured
	debugStream *DebugStream
	corsOrigins []string
	logger      *slog.Logger
}

// Config configures a Server.
type Config struct {
	Pool               PoolStatter
	KillRegistry       KillRegistry
	Killer             Killer
	DebugStreamEnabled bool
	CORSAllowOrigins   []string
	Logger             *slog.Logger
}

// New builds an admin Server. When cfg.DebugStreamEnabled is false, the
// debug stream endpoint responds 404 rather than being registered at all.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		pool:        cfg.Pool,
		killreg:     cfg.KillRegistry,
		killer:      cfg.Killer,
		corsOrigins: cfg.CORSAllowOrigins,
		logger:      cfg.Logger,
	}
	if cfg.DebugStreamEnabled {
		s.debugStream = NewDebugStream()
		go s.debugStream.Run()
	}
	return s
}

// Handler builds the mux.Router serving the admin surface.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Use(s.corsMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/readyz", s.handleReadyz).Methods("GET")
	r.HandleFunc("/api/pool/stats", s.handlePoolStats).Methods("GET")
	r.HandleFunc("/api/killregistry/size", s.handleKillRegistrySize).Methods("GET")

	if s.killer != nil {
		r.HandleFunc("/internal/kill/{execution_id}", s.handleDelayedKill).Methods("POST")
	}

	if s.debugStream != nil {
		r.HandleFunc("/api/debug/stream", s.debugStream.HandleWebSocket)
	}

	return r
}

// BroadcastOutput forwards a session output frame to any connected debug
// stream clients. It is a no-op when the debug stream isn't enabled, so
// callers (the dispatcher's publisher path) can invoke it unconditionally.
func (s *Server) BroadcastOutput(executionID core.ExecutionId, out core.Output) {
	if s.debugStream == nil {
		return
	}
	s.debugStream.Broadcast(SessionEvent{
		Type:        "output",
		ExecutionId: executionID.String(),
		Data: map[string]interface{}{
			"stream":  string(out.Stream),
			"level":   string(out.Level),
			"message": out.Message,
		},
	})
}

// BroadcastTerminal forwards a terminal result to any connected debug
// stream clients.
func (s *Server) BroadcastTerminal(executionID core.ExecutionId, outcome string) {
	if s.debugStream == nil {
		return
	}
	s.debugStream.Broadcast(SessionEvent{
		Type:        "terminal",
		ExecutionId: executionID.String(),
		Data: map[string]interface{}{
			"outcome": outcome,
		},
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.corsOrigins) > 0 {
			origin = s.corsOrigins[0]
			for _, o := range s.corsOrigins {
				if o == r.Header.Get("Origin") {
					origin = o
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	// Readiness is intentionally process-level only: the pool itself
	// reports executor health per-lease on Acquire rather than here.
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.pool.Stats())
}

func (s *Server) handleKillRegistrySize(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"size": s.killreg.Len()})
}

// handleDelayedKill is the Cloud Tasks callback target for a kill request
// that asked for "kill after grace period": internal/router schedules a
// task pointing here, and the grace period's expiry is exactly this HTTP
// call firing, not a timer held in process memory.
func (s *Server) handleDelayedKill(w http.ResponseWriter, r *http.Request) {
	executionID := core.ExecutionId(mux.Vars(r)["execution_id"])
	found := s.killer.Kill(executionID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"found": found})
}

var _ KillRegistry = (*killregistry.Registry)(nil)

// Publisher is the narrow C5 surface DebugTee wraps, matching
// dispatcher.Publisher structurally so a *publisher.Publisher (or a
// DebugTee around one) satisfies either.
type Publisher interface {
	PublishOutput(ctx context.Context, addr core.ReplyAddress, out core.Output) error
	FinalizeOutput(ctx context.Context, addr core.ReplyAddress, id core.ExecutionId) error
	PublishTerminal(ctx context.Context, addr core.ReplyAddress, result core.TerminalResult) error
}

// DebugTee wraps a real C5 publisher so every frame it publishes is also
// mirrored onto the admin debug stream, without the dispatcher needing to
// know the admin surface exists at all.
type DebugTee struct {
	Next   Publisher
	Server *Server
}

// PublishOutput mirrors the frame to the debug stream before delegating.
func (t *DebugTee) PublishOutput(ctx context.Context, addr core.ReplyAddress, out core.Output) error {
	t.Server.BroadcastOutput(out.ExecutionId, out)
	return t.Next.PublishOutput(ctx, addr, out)
}

// FinalizeOutput delegates to the wrapped publisher without mirroring
// anything itself; the debug stream has nothing useful to show for a
// finalizer that carries no output of its own.
func (t *DebugTee) FinalizeOutput(ctx context.Context, addr core.ReplyAddress, id core.ExecutionId) error {
	return t.Next.FinalizeOutput(ctx, addr, id)
}

// PublishTerminal mirrors the terminal outcome to the debug stream before
// delegating.
func (t *DebugTee) PublishTerminal(ctx context.Context, addr core.ReplyAddress, result core.TerminalResult) error {
	outcome := "success"
	if result.Error != nil {
		outcome = string(result.Error.Kind)
	}
	t.Server.BroadcastTerminal(result.ExecutionId, outcome)
	return t.Next.PublishTerminal(ctx, addr, result)
}

// SessionEvent is one message pushed to debug stream subscribers.
type SessionEvent struct {
	Type        string                 `json:"type"` // "output", "terminal"
	ExecutionId string                 `json:"execution_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data"`
}

// DebugStream is a websocket hub mirroring live session activity to any
// connected operators. It never gates or slows the dispatcher itself:
// Broadcast is a buffered, non-blocking send.
type DebugStream struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan SessionEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewDebugStream creates a DebugStream. Call Run in a goroutine before
// serving HandleWebSocket.
func NewDebugStream() *DebugStream {
	return &DebugStream{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan SessionEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: slog.Default(),
	}
}

// Run drives the hub's register/unregister/broadcast loop until the
// process exits.
func (ds *DebugStream) Run() {
	for {
		select {
		case client := <-ds.register:
			ds.mu.Lock()
			ds.clients[client] = true
			ds.mu.Unlock()

		case client := <-ds.unregister:
			ds.mu.Lock()
			if _, ok := ds.clients[client]; ok {
				delete(ds.clients, client)
				client.Close()
			}
			ds.mu.Unlock()

		case event := <-ds.broadcast:
			ds.mu.Lock()
			for client := range ds.clients {
				if err := client.WriteJSON(event); err != nil {
					ds.logger.Warn("debug stream write failed, dropping client", "error", err)
					client.Close()
					delete(ds.clients, client)
				}
			}
			ds.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades an admin connection into a debug stream
// subscriber.
func (ds *DebugStream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ds.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ds.logger.Warn("debug stream upgrade failed", "error", err)
		return
	}
	ds.register <- conn

	go func() {
		defer func() { ds.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast pushes an event to every connected client. It never blocks the
// caller: a full queue drops the event rather than applying backpressure
// to the dispatcher.
func (ds *DebugStream) Broadcast(event SessionEvent) {
	event.Timestamp = core.Now()
	select {
	case ds.broadcast <- event:
	default:
	}
}
