// Package web is the operator surface: a JSON API over the store,
// orchestrator, queue and budget controller, plus a websocket stream of
// live events from the in-process bus.
package web

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hiveworks/hived/internal/budget"
	"github.com/hiveworks/hived/internal/config"
	"github.com/hiveworks/hived/internal/eventbus"
	"github.com/hiveworks/hived/internal/queue"
	"github.com/hiveworks/hived/internal/store"
	"github.com/hiveworks/hived/internal/swarm"
)

type Server struct {
	store     *store.Store
	bus       *eventbus.Bus
	orch      *swarm.Orchestrator
	queue     *queue.Queue
	budgets   *budget.Controller
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time

	unsubscribe func()
}

func NewServer(s *store.Store, bus *eventbus.Bus, orch *swarm.Orchestrator, q *queue.Queue,
	budgets *budget.Controller, cfg config.WebConfig, version string) *Server {
	return &Server{
		store:     s,
		bus:       bus,
		orch:      orch,
		queue:     q,
		budgets:   budgets,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	// Mirror every bus event onto connected websockets.
	s.unsubscribe = s.bus.Subscribe(func(ev eventbus.Event) {
		s.hub.Broadcast(ev)
	})
	defer s.unsubscribe()

	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	handler := s.withMiddleware(mux)
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" {
			if !s.checkAuth(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if _, pass, ok := r.BasicAuth(); ok &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1 {
		return true
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}
