// Package spectator serves the observer surface: a WebSocket stream of the
// exchange tape with a snapshot on subscribe, plus the small system HTTP
// endpoints used by demos.
package spectator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/cjy919100-del/synapse-proto/internal/exchange"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	x   *exchange.Exchange
	log *slog.Logger
}

func New(x *exchange.Exchange, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{x: x, log: log}
}

// Handler builds the spectator HTTP surface. Extra routes (such as the
// GitHub ingress) may be mounted by the caller before serving.
func (s *Server) Handler(mount func(r chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Get("/observer", s.handleObserver)
	r.Get("/api/snapshot", s.handleSnapshot)
	r.Post("/api/demo/timeout", s.handleDemoTimeout)
	if mount != nil {
		mount(r)
	}
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}).Handler(r)
}

// observerFrame is the envelope on the observer channel: one snapshot on
// subscribe, then one frame per tape event.
type observerFrame struct {
	Type string `json:"type"` // snapshot | event
	Data any    `json:"data"`
}

func (s *Server) handleObserver(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("observer upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := s.x.Tape().Subscribe()
	defer s.x.Tape().Unsubscribe(events)

	snap, err := s.x.SnapshotState(r.Context())
	if err != nil {
		s.log.Error("observer snapshot failed", "error", err)
		return
	}
	if err := conn.WriteJSON(observerFrame{Type: "snapshot", Data: snap}); err != nil {
		return
	}

	// Drain inbound frames so pings and closes are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(observerFrame{Type: "event", Data: ev}); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.x.SnapshotState(r.Context())
	if err != nil {
		s.log.Error("snapshot failed", "error", err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

// handleDemoTimeout seeds a one-shot deadline-miss scenario: two synthetic
// accounts, a job that times out after a second, and an immediate award.
func (s *Server) handleDemoTimeout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID, err := s.seedTimeoutDemo(ctx)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "jobId": jobID})
}

func (s *Server) seedTimeoutDemo(ctx context.Context) (string, error) {
	const bossID = "agent_demo_boss"
	const workerID = "agent_demo_worker"
	if err := s.x.SystemEnsureAccount(ctx, bossID, "demo-boss", "", nil); err != nil {
		return "", err
	}
	if err := s.x.SystemEnsureAccount(ctx, workerID, "demo-worker", "", nil); err != nil {
		return "", err
	}
	jobID, err := s.x.SystemCreateJob(ctx, bossID, "demo: deadline miss", "seeded by /api/demo/timeout",
		40, "simple", map[string]any{"timeoutSeconds": float64(1)})
	if err != nil {
		return "", err
	}
	if err := s.x.SystemAwardJob(ctx, jobID, workerID); err != nil {
		return "", err
	}
	return jobID, nil
}
