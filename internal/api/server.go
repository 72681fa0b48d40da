// Package api exposes the configuration and queue surface over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ienone/VaultStream-sub000/internal/evaluator"
	"github.com/ienone/VaultStream-sub000/internal/events"
	"github.com/ienone/VaultStream-sub000/internal/queue"
	"github.com/ienone/VaultStream-sub000/internal/storage"
)

// Server wires the HTTP handlers to the core services.
type Server struct {
	store     storage.Storage
	evaluator *evaluator.Evaluator
	queue     *queue.Service
	hub       *events.Hub
	log       *slog.Logger
	upgrader  websocket.Upgrader
}

// New creates a Server.
func New(store storage.Storage, ev *evaluator.Evaluator, q *queue.Service, hub *events.Hub, log *slog.Logger) *Server {
	return &Server{
		store:     store,
		evaluator: ev,
		queue:     q,
		hub:       hub,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/destinations", func(r chi.Router) {
			r.Get("/", s.listDestinations)
			r.Post("/", s.createDestination)
			r.Get("/{id}", s.getDestination)
			r.Put("/{id}", s.updateDestination)
			r.Delete("/{id}", s.deleteDestination)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.listRules)
			r.Post("/", s.createRule)
			r.Get("/{id}", s.getRule)
			r.Put("/{id}", s.updateRule)
			r.Delete("/{id}", s.deleteRule)
			r.Get("/{id}/targets", s.listTargets)
			r.Post("/{id}/targets", s.createTarget)
		})

		r.Route("/targets", func(r chi.Router) {
			r.Put("/{id}", s.updateTarget)
			r.Delete("/{id}", s.deleteTarget)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.listQueue)
			r.Get("/ws", s.serveWS)
			r.Post("/reschedule", s.rescheduleItems)
			r.Post("/push-now", s.pushNowItems)
			r.Get("/{id}", s.getQueueItem)
			r.Post("/{id}/approve", s.queueOp((*queue.Service).Approve))
			r.Post("/{id}/reject", s.queueOp((*queue.Service).Reject))
			r.Post("/{id}/filter", s.queueOp((*queue.Service).Filter))
			r.Post("/{id}/cancel", s.queueOp((*queue.Service).Cancel))
			r.Post("/{id}/restore", s.queueOp((*queue.Service).Restore))
			r.Post("/{id}/repush", s.queueOp((*queue.Service).Repush))
			r.Post("/{id}/reorder", s.reorderItem)
		})

		r.Post("/content", s.ingestContent)
		r.Get("/stats", s.getStats)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps the core's error kinds onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, queue.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
