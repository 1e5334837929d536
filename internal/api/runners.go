package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/process-runner/internal/history"
	"github.com/nerrad567/process-runner/internal/process"
)

// maxSendTextLength caps one line written to a runner's input.
const maxSendTextLength = 64 * 1024

// RunnerView is the JSON representation of one registered runner.
type RunnerView struct {
	ID       string                `json:"id"`
	Spec     process.Spec          `json:"spec"`
	Restart  process.RestartConfig `json:"restart"`
	Schedule *process.Schedule     `json:"schedule,omitempty"`
	Stats    process.Stats         `json:"stats"`
}

// SendRequest is the body of POST /runners/{id}/send.
type SendRequest struct {
	Text string `json:"text"`
}

func runnerView(id string, e *process.Engine) RunnerView {
	v := RunnerView{
		ID:      id,
		Spec:    e.Spec(),
		Restart: e.RestartConfig(),
		Stats:   e.Stats(),
	}
	if sched := e.Schedule(); !sched.StartTime.IsZero() && v.Stats.State == process.StateRunning {
		v.Schedule = &sched
	}
	return v
}

// engineFor resolves the {id} URL parameter, writing 404 when it is unknown.
func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (string, *process.Engine, bool) {
	id := process.NormaliseID(chi.URLParam(r, "id"))
	e, ok := s.registry.Get(id)
	if !ok {
		writeNotFound(w, "runner not found: "+id)
		return "", nil, false
	}
	return id, e, true
}

// commandContext detaches a lifecycle command from the request so a client
// hanging up mid-stop does not escalate to a forced kill.
func commandContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// handleListRunners returns every registered runner in id order.
func (s *Server) handleListRunners(w http.ResponseWriter, _ *http.Request) {
	runners := make([]RunnerView, 0, s.registry.Len())
	s.registry.Each(func(id string, e *process.Engine) {
		runners = append(runners, runnerView(id, e))
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"runners": runners,
		"count":   len(runners),
	})
}

// handleGetRunner returns one runner.
func (s *Server) handleGetRunner(w http.ResponseWriter, r *http.Request) {
	id, e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, runnerView(id, e))
}

// handleStartRunner starts the child. Starting a runner that is not stopped
// is not an error; "started" reports whether this call spawned it.
func (s *Server) handleStartRunner(w http.ResponseWriter, r *http.Request) {
	id, e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	started, err := e.Start(commandContext(r))
	if err != nil {
		s.writeCommandError(w, id, "start", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"started": started,
		"state":   e.State(),
	})
}

// handleStopRunner stops the child and waits for it to exit.
func (s *Server) handleStopRunner(w http.ResponseWriter, r *http.Request) {
	id, e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	if err := e.Stop(commandContext(r)); err != nil {
		s.writeCommandError(w, id, "stop", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    id,
		"state": e.State(),
	})
}

// handleRestartRunner stops the child if running and starts it again.
func (s *Server) handleRestartRunner(w http.ResponseWriter, r *http.Request) {
	id, e, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	if err := e.Restart(commandContext(r)); err != nil {
		s.writeCommandError(w, id, "restart", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    id,
		"state": e.State(),
		"stats": e.Stats(),
	})
}

// handleSendMessage writes one line to the child's input. The line is
// dropped when the runner is not running; "delivered" reports which case
// applied.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, e, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Text) > maxSendTextLength {
		writeBadRequest(w, "text exceeds "+strconv.Itoa(maxSendTextLength)+" bytes")
		return
	}

	delivered, err := e.SendMessage(req.Text)
	if err != nil {
		s.writeCommandError(w, id, "send", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":        id,
		"delivered": delivered,
	})
}

// handleRunnerHistory returns the runner's journalled lifecycle events.
//
// Query parameters: type, run_id, since (RFC 3339), limit, offset.
func (s *Server) handleRunnerHistory(w http.ResponseWriter, r *http.Request) {
	id, _, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history is not configured")
		return
	}

	q := r.URL.Query()
	filter := history.Filter{
		Runner: id,
		Type:   q.Get("type"),
		RunID:  q.Get("run_id"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	result, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing runner history failed", "runner", id, "error", err)
		writeInternalError(w, "failed to list history")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeCommandError logs a failed runner command and answers with the
// matching error response.
func (s *Server) writeCommandError(w http.ResponseWriter, id, command string, err error) {
	s.logger.Warn("runner command failed", "runner", id, "command", command, "error", err)
	resp := engineError(id, err)
	writeJSON(w, resp.Status, resp)
}
