// ABOUTME: HTTP API handlers for execution submission, inspection, termination, and admission state.
// ABOUTME: Maps admission errors onto HTTP status codes and handles idempotent resubmission.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/2389/warden/internal/admission"
)

// SubmitExecutionRequest is the JSON body for POST /api/executions.
type SubmitExecutionRequest struct {
	AgentID   string          `json:"agent_id"`
	Origin    string          `json:"origin,omitempty"`
	Lane      string          `json:"lane,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
	Wait      bool            `json:"wait,omitempty"`
}

// ExecutionResponse describes one execution's current state.
type ExecutionResponse struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id"`
	Origin       string          `json:"origin"`
	Lane         string          `json:"lane"`
	Status       string          `json:"status"`
	SubmittedAt  string          `json:"submitted_at"`
	StartedAt    string          `json:"started_at,omitempty"`
	CompletedAt  string          `json:"completed_at,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	Deduplicated bool            `json:"deduplicated,omitempty"`
}

// ExecutionDetailResponse adds the execution's ledger trail.
type ExecutionDetailResponse struct {
	ExecutionResponse
	Events []ActivityEventResponse `json:"events"`
}

// TerminateRequest is the JSON body for POST /api/executions/{id}/terminate.
type TerminateRequest struct {
	Mode string `json:"mode,omitempty"`
}

// TerminateResponse reports the outcome of a terminate or force-release.
type TerminateResponse struct {
	Terminated bool   `json:"terminated"`
	Status     string `json:"status,omitempty"`
}

// ForceReleaseResponse reports whether an exclusive lock was actually freed.
type ForceReleaseResponse struct {
	Released bool `json:"released"`
}

// AdmissionStateResponse is the JSON view of an agent's admission snapshot.
type AdmissionStateResponse struct {
	admission.Snapshot
	LockHeldFor string `json:"lock_held_for,omitempty"`
}

// SessionResponse describes one terminal session.
type SessionResponse struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
	IdleForMS int64  `json:"idle_for_ms"`
}

// handleSubmitExecution handles POST /api/executions.
// An Idempotency-Key header binds the key to the created execution; a repeat
// submission with the same key returns the original execution instead of
// admitting new work.
func (g *Gateway) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req SubmitExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if req.Origin == "" {
		req.Origin = string(admission.OriginInteractive)
	}
	if req.Lane == "" {
		req.Lane = string(admission.LaneExclusive)
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		if execID, ok := g.dedupe.Resolve(idemKey); ok {
			if exec, found := g.controller.Lookup(execID); found {
				g.respondExecution(w, r, exec, req.Wait, true)
				return
			}
		}
	}

	exec, err := g.controller.Submit(r.Context(), admission.SubmitRequest{
		AgentID: req.AgentID,
		Origin:  admission.Origin(req.Origin),
		Lane:    admission.Lane(req.Lane),
		Payload: req.Payload,
		Timeout: time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		g.sendAdmissionError(w, err)
		return
	}

	if idemKey != "" {
		if winnerID, existed := g.dedupe.BindIfAbsent(idemKey, exec.ID); existed {
			if winner, found := g.controller.Lookup(winnerID); found {
				// Lost a concurrent race on the same key. The winner is the
				// execution of record; withdraw ours before it does work.
				if _, err := g.controller.Terminate(r.Context(), exec.ID, admission.TerminateForce); err != nil {
					g.logger.Error("withdrawing duplicate execution failed",
						"execution_id", exec.ID,
						"winner_id", winnerID,
						"error", err,
					)
				}
				g.respondExecution(w, r, winner, req.Wait, true)
				return
			}
			// The bound execution is gone, evicted after settling. Rebind the
			// key so the fresh work becomes the execution of record.
			g.dedupe.Bind(idemKey, exec.ID)
		}
	}

	g.respondExecution(w, r, exec, req.Wait, false)
}

// respondExecution writes an execution's state. With wait set it first blocks
// until the execution settles or the client goes away.
func (g *Gateway) respondExecution(w http.ResponseWriter, r *http.Request, exec *admission.Execution, wait, deduplicated bool) {
	status := http.StatusAccepted
	if wait {
		select {
		case <-exec.Done():
			status = http.StatusOK
		case <-r.Context().Done():
			return
		}
	} else if exec.Status().Terminal() {
		status = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(executionJSON(exec, deduplicated))
}

func executionJSON(exec *admission.Execution, deduplicated bool) ExecutionResponse {
	resp := ExecutionResponse{
		ID:           exec.ID,
		AgentID:      exec.AgentID,
		Origin:       string(exec.Origin),
		Lane:         string(exec.Lane),
		Status:       string(exec.Status()),
		SubmittedAt:  exec.SubmittedAt.Format(time.RFC3339Nano),
		Deduplicated: deduplicated,
	}
	if started := exec.StartedAt(); !started.IsZero() {
		resp.StartedAt = started.Format(time.RFC3339Nano)
	}
	if completed := exec.CompletedAt(); !completed.IsZero() {
		resp.CompletedAt = completed.Format(time.RFC3339Nano)
	}
	if exec.Status().Terminal() {
		result, err := exec.Result()
		if len(result) > 0 && json.Valid(result) {
			resp.Result = json.RawMessage(result)
		} else if len(result) > 0 {
			quoted, _ := json.Marshal(string(result))
			resp.Result = json.RawMessage(quoted)
		}
		if err != nil {
			resp.Error = err.Error()
		}
	}
	return resp
}

// handleExecutionRoutes dispatches /api/executions/{id} and
// /api/executions/{id}/terminate.
func (g *Gateway) handleExecutionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/executions/")
	if rest == "" || strings.Contains(strings.TrimSuffix(rest, "/terminate"), "/") {
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	if id, ok := strings.CutSuffix(rest, "/terminate"); ok {
		g.handleTerminate(w, r, id)
		return
	}
	g.handleGetExecution(w, r, rest)
}

// handleGetExecution handles GET /api/executions/{id}.
func (g *Gateway) handleGetExecution(w http.ResponseWriter, r *http.Request, executionID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	exec, ok := g.controller.Lookup(executionID)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "execution not found")
		return
	}

	events, err := g.ledger.ByExecution(r.Context(), executionID)
	if err != nil {
		g.logger.Error("failed to query execution events", "execution_id", executionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ExecutionDetailResponse{
		ExecutionResponse: executionJSON(exec, false),
		Events:            make([]ActivityEventResponse, len(events)),
	}
	for i, ev := range events {
		resp.Events[i] = activityEventJSON(ev)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleTerminate handles POST /api/executions/{id}/terminate.
func (g *Gateway) handleTerminate(w http.ResponseWriter, r *http.Request, executionID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req := TerminateRequest{Mode: string(admission.TerminateGraceful)}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	mode := admission.TerminateMode(req.Mode)
	if mode != admission.TerminateGraceful && mode != admission.TerminateForce {
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown terminate mode %q", req.Mode))
		return
	}

	terminated, err := g.controller.Terminate(r.Context(), executionID, mode)
	if err != nil {
		g.sendAdmissionError(w, err)
		return
	}

	resp := TerminateResponse{Terminated: terminated}
	if exec, ok := g.controller.Lookup(executionID); ok {
		resp.Status = string(exec.Status())
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleAgentRoutes dispatches /api/agents/{id}/admission, /force-release,
// /sessions, /feed, and /terminal.
func (g *Gateway) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	agentID, action, found := strings.Cut(rest, "/")
	if !found || agentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	switch action {
	case "admission":
		g.handleAdmissionState(w, r, agentID)
	case "force-release":
		g.requireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.handleForceRelease(w, r, agentID)
		})).ServeHTTP(w, r)
	case "sessions":
		g.handleListSessions(w, r, agentID)
	case "feed":
		g.handleActivityFeed(w, r, agentID)
	case "terminal":
		g.handleTerminal(w, r, agentID)
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleAdmissionState handles GET /api/agents/{id}/admission.
func (g *Gateway) handleAdmissionState(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snap := g.controller.Snapshot(agentID)
	resp := AdmissionStateResponse{Snapshot: snap}
	if snap.LockHeldFor > 0 {
		resp.LockHeldFor = snap.LockHeldFor.Round(time.Millisecond).String()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleForceRelease handles POST /api/agents/{id}/force-release. The route
// runs behind auth.RequireAdmin, so with auth enabled only the admin or owner
// role reaches it. Every attempt is recorded in the ledger, including no-ops
// against a free lock.
func (g *Gateway) handleForceRelease(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	released, err := g.controller.ForceRelease(r.Context(), agentID)
	if err != nil {
		g.sendAdmissionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ForceReleaseResponse{Released: released})
}

// handleListSessions handles GET /api/agents/{id}/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	infos := g.multiplexer.Sessions(agentID)
	resp := make([]SessionResponse, len(infos))
	for i, info := range infos {
		resp[i] = SessionResponse{
			ID:        info.ID,
			AgentID:   info.AgentID,
			State:     string(info.State),
			CreatedAt: info.CreatedAt.Format(time.RFC3339Nano),
			IdleForMS: info.IdleFor.Milliseconds(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// sendAdmissionError maps admission sentinel errors onto HTTP status codes.
func (g *Gateway) sendAdmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admission.ErrAgentUnavailable):
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, admission.ErrCapacityExceeded):
		g.sendJSONError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, admission.ErrUnknownExecution):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, admission.ErrInvalidLane):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("admission request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
