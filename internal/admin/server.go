// Package admin serves the operator HTTP API: manual reconciliation, event
// injection, health and metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/flowsyncd/internal/future"
	"github.com/dokzlo13/flowsyncd/internal/notify"
	"github.com/dokzlo13/flowsyncd/internal/openflow"
	"github.com/dokzlo13/flowsyncd/internal/reconcile"
)

// DefaultReconcileTimeout bounds how long a manual reconciliation request waits.
const DefaultReconcileTimeout = 5 * time.Minute

// Reconciler runs and reports reconciliations.
type Reconciler interface {
	Reconcile(ctx context.Context, node openflow.NodeID) *future.Future[bool]
	State(node openflow.NodeID) reconcile.State
}

// Gate reports whether a node is owned and present.
type Gate interface {
	CanReconcile(node openflow.NodeID) bool
}

// Server is the admin HTTP server.
type Server struct {
	addr       string
	reconciler Reconciler
	gate       Gate
	pub        notify.Publisher
	ready      func() bool
	httpServer *http.Server

	// ReconcileTimeout bounds manual reconciliation requests.
	ReconcileTimeout time.Duration
}

// NewServer creates a new admin server. ready may be nil.
func NewServer(host string, port int, reconciler Reconciler, gate Gate, pub notify.Publisher, ready func() bool) *Server {
	return &Server{
		addr:             fmt.Sprintf("%s:%d", host, port),
		reconciler:       reconciler,
		gate:             gate,
		pub:              pub,
		ready:            ready,
		ReconcileTimeout: DefaultReconcileTimeout,
	}
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/nodes/{node}/reconcile", s.handleReconcile)
	mux.HandleFunc("GET /v1/nodes/{node}", s.handleNode)
	mux.HandleFunc("POST /v1/events", s.handleEvent)

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
	})

	// Ready check endpoint
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		if s.ready != nil && !s.ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Run starts the admin server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	log.Info().Str("addr", s.addr).Msg("Starting admin server")

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Admin server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleReconcile forces reconciliation of one node regardless of ownership
// and answers {"result": bool} once it finished.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	node, err := openflow.ParseNodeID(r.PathValue("node"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	log.Info().Str("node", node.String()).Str("remote", r.RemoteAddr).Msg("Manual reconciliation requested")

	// The run outlives the request
	result := s.reconciler.Reconcile(context.Background(), node)

	ctx, cancel := context.WithTimeout(r.Context(), s.ReconcileTimeout)
	defer cancel()

	ok, err := result.Wait(ctx)
	if err != nil {
		log.Warn().Err(err).Str("node", node.String()).Msg("Manual reconciliation did not finish")
		ok = false
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": ok})
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	node, err := openflow.ParseNodeID(r.PathValue("node"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"node":         node.String(),
		"state":        s.reconciler.State(node).String(),
		"reconcilable": s.gate.CanReconcile(node),
	})
}

// handleEvent injects a notification as if it came from the event stream.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var n notify.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	event, err := n.Event()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	log.Debug().
		Str("type", string(event.Type)).
		Str("node", event.Node.String()).
		Msg("Injected notification")
	s.pub.Publish(event)

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
