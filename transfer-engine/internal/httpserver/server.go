package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/auth"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/gate"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/metrics"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/orchestrator"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/policy"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/store"
)

const maxBodyBytes = 1 << 20

// requestTimeout applies to every route except /allocate/execute, whose runs
// are bounded by the orchestrator's own execution timeout.
const requestTimeout = 30 * time.Second

type Server struct {
	orch       *orchestrator.Orchestrator
	store      store.Store
	killSwitch gate.KillSwitch
	verifier   *auth.Verifier
}

// New wires the HTTP adapter. A nil or disabled verifier leaves write routes
// open.
func New(orch *orchestrator.Orchestrator, st store.Store, ks gate.KillSwitch, verifier *auth.Verifier) *Server {
	return &Server{orch: orch, store: st, killSwitch: ks, verifier: verifier}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())

		r.Post("/allocate/simulate", s.handleSimulate)
		r.Get("/executions/recent", s.handleRecent)
		r.Get("/executions/{runId}", s.handleGetExecution)
		r.Get("/policies", s.handleListPolicies)
		r.Get("/policies/{id}", s.handleGetPolicy)
		r.Post("/policies/validate", s.handleValidatePolicy)
		r.Get("/safety/kill-switch", s.handleKillSwitchState)

		r.Group(func(r chi.Router) {
			r.Use(s.writeAuth)
			r.Post("/policies", s.handleCreatePolicy)
			r.Put("/policies/{id}", s.handleUpdatePolicy)
			r.Post("/safety/kill-switch/activate", s.handleActivate)
			r.Post("/safety/kill-switch/deactivate", s.handleDeactivate)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.writeAuth)
		r.Post("/allocate/execute", s.handleExecute)
	})

	return r
}

func (s *Server) writeAuth(next http.Handler) http.Handler {
	if !s.verifier.Enabled() {
		return next
	}
	return s.verifier.Middleware(next)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	if s.killSwitch != nil {
		if active, err := s.killSwitch.IsActive(ctx); err == nil {
			status["killSwitchActive"] = active
		} else {
			status["killSwitch"] = err.Error()
		}
	}
	respondJSON(w, http.StatusOK, status)
}

type simulateRequest struct {
	PolicyID   string            `json:"policyId,omitempty"`
	Policy     *policy.RawPolicy `json:"policy,omitempty"`
	Signals    []models.Signal   `json:"signals"`
	TotalUnits int               `json:"totalUnits"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var raw policy.RawPolicy
	switch {
	case req.Policy != nil:
		raw = *req.Policy
	case req.PolicyID != "":
		p, err := s.store.GetPolicy(r.Context(), req.PolicyID)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		raw = policy.FromPolicy(p)
	default:
		respondError(w, http.StatusBadRequest, "policy or policyId required")
		return
	}
	res, err := s.orch.Simulate(r.Context(), raw, req.Signals, req.TotalUnits)
	if err != nil {
		var verr *orchestrator.ValidationError
		if errors.As(err, &verr) {
			respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":  verr.Error(),
				"errors": verr.Errors,
			})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p := auth.Principal(r.Context()); p != "" {
		req.RequestedBy = p
	}
	rec, err := s.orch.Execute(r.Context(), req)
	if err == nil {
		respondJSON(w, http.StatusCreated, rec)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	body := map[string]interface{}{"error": err.Error()}
	if rec.RunID != uuid.Nil {
		body["record"] = rec
	}
	var (
		verr *orchestrator.ValidationError
		gerr *orchestrator.GateRefusedError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusUnprocessableEntity
		body["errors"] = verr.Errors
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.As(err, &gerr):
		status = http.StatusLocked
		body["decision"] = gerr.Decision
	}
	respondJSON(w, status, body)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.orch.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []models.ExecutionRecord{}
	}
	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "runId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid runId")
		return
	}
	rec, err := s.orch.Get(r.Context(), runID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.store.ListPolicies(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if policies == nil {
		policies = []models.Policy{}
	}
	respondJSON(w, http.StatusOK, policies)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleValidatePolicy(w http.ResponseWriter, r *http.Request) {
	var raw policy.RawPolicy
	if err := decodeJSON(w, r, &raw); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, policy.Check(raw))
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var raw policy.RawPolicy
	if err := decodeJSON(w, r, &raw); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p := auth.Principal(r.Context()); p != "" {
		raw.CreatedBy = p
	}
	p, ok := validated(w, raw)
	if !ok {
		return
	}
	created, err := s.store.CreatePolicy(r.Context(), p)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var raw policy.RawPolicy
	if err := decodeJSON(w, r, &raw); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	raw.ID = chi.URLParam(r, "id")
	p, ok := validated(w, raw)
	if !ok {
		return
	}
	p.UpdatedBy = auth.Principal(r.Context())
	if p.UpdatedBy == "" {
		p.UpdatedBy = raw.CreatedBy
	}
	updated, err := s.store.UpdatePolicy(r.Context(), p)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// validated writes a 422 with every field error when raw is not a valid
// policy.
func validated(w http.ResponseWriter, raw policy.RawPolicy) (models.Policy, bool) {
	res := policy.Check(raw)
	if !res.Valid {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  res.Errors.Error(),
			"errors": res.Errors,
		})
		return models.Policy{}, false
	}
	return res.Policy, true
}

type killSwitchRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

func (s *Server) handleKillSwitchState(w http.ResponseWriter, r *http.Request) {
	st, err := s.killSwitch.State(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		respondError(w, http.StatusBadRequest, "reason required")
		return
	}
	by := actor(r, req.By)
	if err := s.killSwitch.Activate(r.Context(), by, req.Reason); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondKillSwitch(w, r)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.killSwitch.Deactivate(r.Context(), actor(r, req.By)); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondKillSwitch(w, r)
}

func (s *Server) respondKillSwitch(w http.ResponseWriter, r *http.Request) {
	st, err := s.killSwitch.State(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// actor prefers the verified principal over a self-reported name.
func actor(r *http.Request, claimed string) string {
	if p := auth.Principal(r.Context()); p != "" {
		return p
	}
	if claimed != "" {
		return claimed
	}
	return "anonymous"
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
