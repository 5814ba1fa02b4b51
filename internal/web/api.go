package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hiveworks/hived/internal/errdefs"
	"github.com/hiveworks/hived/internal/store"
	"github.com/hiveworks/hived/internal/swarm"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Swarms
	mux.HandleFunc("GET /api/swarms", s.listSwarms)
	mux.HandleFunc("POST /api/swarms", s.createSwarm)
	mux.HandleFunc("GET /api/swarms/{id}", s.getSwarm)
	mux.HandleFunc("GET /api/swarms/{id}/agents", s.listSwarmAgents)
	mux.HandleFunc("GET /api/swarms/{id}/budget", s.getSwarmBudget)
	mux.HandleFunc("POST /api/swarms/{id}/start", s.startSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/kill", s.killSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/scale", s.scaleSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/pause", s.pauseSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/resume", s.resumeSwarm)
	mux.HandleFunc("DELETE /api/swarms/{id}", s.destroySwarm)

	// Agents
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("POST /api/agents/{id}/retry", s.retryAgent)
	mux.HandleFunc("POST /api/agents/{id}/kill", s.killAgent)

	// Queue
	mux.HandleFunc("GET /api/queue", s.getQueueDepths)
	mux.HandleFunc("GET /api/queue/dead", s.listDeadLetters)
	mux.HandleFunc("POST /api/queue/dead/{id}/replay", s.replayDeadLetter)

	// Events
	mux.HandleFunc("GET /api/events", s.listEvents)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listSwarms(w http.ResponseWriter, r *http.Request) {
	swarms, err := s.store.ListSwarms()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, swarms)
}

func (s *Server) createSwarm(w http.ResponseWriter, r *http.Request) {
	var req swarm.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sw, err := s.orch.CreateSwarm(r.Context(), req)
	if err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, sw)
}

func (s *Server) getSwarm(w http.ResponseWriter, r *http.Request) {
	sw, err := s.store.GetSwarm(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sw == nil {
		jsonError(w, "swarm not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, sw)
}

func (s *Server) listSwarmAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, agents)
}

func (s *Server) getSwarmBudget(w http.ResponseWriter, r *http.Request) {
	sw, err := s.store.GetSwarm(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sw == nil {
		jsonError(w, "swarm not found", http.StatusNotFound)
		return
	}
	report, err := s.budgets.GetReport(sw.BudgetID)
	if err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, report)
}

func (s *Server) startSwarm(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.StartPendingAgents(r.Context(), r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "started"})
}

func (s *Server) killSwarm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator kill"
	}

	if err := s.orch.KillAll(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "killed"})
}

func (s *Server) scaleSwarm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Target int `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.orch.Scale(r.Context(), r.PathValue("id"), body.Target); err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, map[string]any{"status": "scaled", "target": body.Target})
}

func (s *Server) pauseSwarm(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Pause(r.Context(), r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "paused"})
}

func (s *Server) resumeSwarm(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Resume(r.Context(), r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "running"})
}

func (s *Server) destroySwarm(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Destroy(r.Context(), r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "destroyed"})
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAgent(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if a == nil {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, a)
}

// retryAgent is the operator's ruling on an escalated agent: run it again,
// optionally on a different model.
func (s *Server) retryAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.orch.RetryAgent(r.Context(), r.PathValue("id"), body.Model); err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "retrying"})
}

func (s *Server) killAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator kill"
	}

	if err := s.orch.KillAgent(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "killed"})
}

func (s *Server) getQueueDepths(w http.ResponseWriter, r *http.Request) {
	depths, err := s.queue.Depths()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, depths)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListQueue(store.QueueDead)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, tasks)
}

func (s *Server) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.DeadLetterReplay(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), httpStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "replayed"})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	afterID := int64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		afterID, _ = strconv.ParseInt(v, 10, 64)
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	events, err := s.store.ListEvents(afterID, limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, events)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	swarms, _ := s.store.ListSwarms()
	depths, _ := s.queue.Depths()

	active := 0
	for _, sw := range swarms {
		if sw.Status == swarm.StatusRunning || sw.Status == swarm.StatusPending {
			active++
		}
	}

	jsonResponse(w, map[string]any{
		"status":        "ok",
		"version":       s.version,
		"active_swarms": active,
		"swarms_count":  len(swarms),
		"queue":         depths,
		"uptime":        time.Since(s.startedAt).Round(time.Second).String(),
		"timestamp":     time.Now().UTC(),
	})
}

// httpStatus maps the error taxonomy onto response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errdefs.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, errdefs.ErrInvalidTransition), errors.Is(err, errdefs.ErrConflict),
		errors.Is(err, errdefs.ErrEscalated):
		return http.StatusConflict
	case errors.Is(err, errdefs.ErrBudgetExceeded):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
