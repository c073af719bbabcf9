package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/burrowci/burrow/pkg/delegate"
	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/ha"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/runtime"
	"github.com/burrowci/burrow/pkg/storage"
	"github.com/burrowci/burrow/pkg/types"
)

// maxListLimit caps page sizes on listing endpoints.
const maxListLimit = 200

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  "ok",
		"time":    time.Now().UTC(),
	})
}

// handleReady reports component grades from the health monitor. Any
// unhealthy component turns readiness into a 503 so load balancers drain
// this replica.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "status": "ok"})
		return
	}
	statuses := s.monitor.Statuses()
	code := http.StatusOK
	overall := "ok"
	for _, st := range statuses {
		if st == ha.StatusUnhealthy {
			code = http.StatusServiceUnavailable
			overall = "unhealthy"
			break
		}
	}
	writeJSON(w, code, map[string]interface{}{
		"success":    code == http.StatusOK,
		"status":     overall,
		"components": statuses,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errdefs.Validation("malformed_body", "request body is not valid JSON"))
		return
	}

	token, expiresAt, err := s.auth.Login(req.Username, req.Password)
	outcome := "success"
	if err != nil {
		outcome = "denied"
	}
	if _, aerr := s.store.AppendAudit(r.Context(), req.Username, "auth.login", "api", outcome); aerr != nil {
		log.Err(s.logger.Warn(), aerr).Msg("Audit append failed")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"token":      token,
		"expires_at": expiresAt.UTC(),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.Revoke(tokenFrom(r.Context()))
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.JobFilter{
		Queue: q.Get("queue"),
		State: types.JobState(q.Get("state")),
		Class: types.JobClass(q.Get("class")),
		Limit: 50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, errdefs.Validation("invalid_limit", "limit must be a positive integer"))
			return
		}
		filter.Limit = n
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, errdefs.Validation("invalid_offset", "offset must be a non-negative integer"))
			return
		}
		filter.Offset = n
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "job": job})
}

// handleJobLogs streams the job's sandbox output. The on-disk file is
// framed; frames are demultiplexed here and the selected streams copied out
// as plain text.
func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	f, err := os.Open(filepath.Join(s.logDir, id+".log"))
	if err != nil {
		writeError(w, r, errdefs.NotFound("logs_not_found", "no logs recorded for job %s", id))
		return
	}
	defer f.Close()

	var stdout, stderr io.Writer = w, w
	switch r.URL.Query().Get("stream") {
	case "", "both":
	case "stdout":
		stderr = io.Discard
	case "stderr":
		stdout = io.Discard
	default:
		writeError(w, r, errdefs.Validation("invalid_stream", "stream must be stdout, stderr, or both"))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := runtime.Demux(f, stdout, stderr); err != nil {
		// Headers are gone; all we can do is note the truncation.
		log.Err(s.logger.Warn(), err).Str("job_id", id).Msg("Log stream ended early")
	}
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegate.DelegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errdefs.Validation("malformed_body", "request body is not valid JSON"))
		return
	}
	job, err := s.delegate.Delegate(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"success": true, "job": job})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	var report delegate.StatusReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, r, errdefs.Validation("malformed_body", "request body is not valid JSON"))
		return
	}
	job, err := s.delegate.ReportStatus(r.Context(), chi.URLParam(r, "id"), &report)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "job": job})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queues.RetryJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "job": job})
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := s.store.ListRunners(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "runners": runners, "count": len(runners)})
}

func (s *Server) handleRegisterRunner(w http.ResponseWriter, r *http.Request) {
	var runner types.Runner
	if err := json.NewDecoder(r.Body).Decode(&runner); err != nil {
		writeError(w, r, errdefs.Validation("malformed_body", "request body is not valid JSON"))
		return
	}
	if err := s.registry.Register(r.Context(), &runner); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "runner": runner})
}

func (s *Server) handleGetRunner(w http.ResponseWriter, r *http.Request) {
	runner, err := s.store.GetRunner(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "runner": runner})
}

func (s *Server) handleRunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Heartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleRunnerAssignment long-polls for the runner's next job. wait caps at
// the delegation service's budget; proxies poll again on 404.
func (s *Server) handleRunnerAssignment(w http.ResponseWriter, r *http.Request) {
	wait := 25 * time.Second
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, r, errdefs.Validation("invalid_wait", "wait must be a duration such as 10s"))
			return
		}
		wait = d
	}
	job, err := s.delegate.Assignment(r.Context(), chi.URLParam(r, "id"), wait)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "job": job})
}

func (s *Server) handleDeregisterRunner(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Deregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
