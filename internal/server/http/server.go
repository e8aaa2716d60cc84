// Package http wires the chi-routed HTTP endpoints for C2 Transport: a
// WebSocket upgrade for full-duplex web surfaces, and a long-poll fallback
// for clients that can't hold a socket open. Grounded on the teacher's
// internal/handler/ws/delivery.go and internal/handler/lp/delivery.go, but
// both are made full-duplex here since the conductor's Attach contract
// needs SurfaceEvents flowing in, not just ConductorMessages flowing out.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yollayah/conductor/internal/conductor"
	"github.com/yollayah/conductor/internal/protocol"
	"github.com/yollayah/conductor/internal/transport"
)

// Server hosts the WebSocket and long-poll transport endpoints behind a
// single chi.Mux and feeds every accepted connection to the conductor.
type Server struct {
	router *chi.Mux
	http   *http.Server
	log    *slog.Logger

	ws *transport.WebSocketServer
	lp *transport.LongPollServer

	conductor *conductor.Conductor
}

// New builds the router and registers routes, but does not start accepting
// connections from the transports into the conductor -- call Run for that.
func New(addr string, c *conductor.Conductor, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		log:       log,
		ws:        transport.NewWebSocketServer(),
		lp:        transport.NewLongPollServer(),
		conductor: c,
	}
	s.router.Use(middleware.RequestID, middleware.Recoverer, middleware.Logger)
	s.routes()
	s.http = &http.Server{Addr: addr, Handler: s.router}
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	s.router.Get("/v1/ws", s.handleWebSocket)
	s.router.Post("/v1/connections", s.handleConnect)
	s.router.Post("/v1/connections/{id}/events", s.handlePush)
	s.router.Get("/v1/connections/{id}/poll", s.handlePoll)
	s.router.Delete("/v1/connections/{id}", s.handleDisconnect)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := s.ws.Upgrade(w, r); err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id, err := s.lp.Connect()
	if err != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"connection_id": string(id)})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	id := protocol.ConnectionId(chi.URLParam(r, "id"))
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	ev, err := protocol.UnmarshalSurfaceEvent(raw)
	if err != nil {
		http.Error(w, "invalid event: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.lp.Push(id, ev); err != nil {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := protocol.ConnectionId(chi.URLParam(r, "id"))
	batch, ok, err := s.lp.Poll(r.Context(), id)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	raw := make([]json.RawMessage, 0, len(batch))
	for _, msg := range batch {
		encoded, err := protocol.MarshalConductorMessage(msg)
		if err != nil {
			continue
		}
		raw = append(raw, encoded)
	}
	writeJSON(w, http.StatusOK, raw)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := protocol.ConnectionId(chi.URLParam(r, "id"))
	s.lp.Disconnect(id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run starts ListenAndServe alongside the two acceptor loops that feed
// every new websocket/long-poll connection to the conductor, blocking
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.acceptLoop(ctx, s.ws)
	go s.acceptLoop(ctx, s.lp)

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.ws.Close()
		s.lp.Close()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) acceptLoop(ctx context.Context, srv transport.Server) {
	for {
		conn, err := srv.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("accept failed", "err", err)
			continue
		}
		s.conductor.Attach(ctx, conn)
	}
}
