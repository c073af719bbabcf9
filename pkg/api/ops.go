package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/security"
	"github.com/burrowci/burrow/pkg/types"
)

func (s *Server) handleGitHubStatus(w http.ResponseWriter, r *http.Request) {
	if s.github == nil {
		writeError(w, r, errdefs.New(errdefs.KindDependencyUnavailable, "github_not_configured", "hosting-service integration is not configured"))
		return
	}
	rl, err := s.github.CheckConnectivity(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"connected":  true,
		"rate_limit": rl,
	})
}

// scanRequest is a scanner posting its findings for one container.
type scanRequest struct {
	ContainerID string         `json:"container_id"`
	Type        types.ScanType `json:"type"`
	Critical    int            `json:"critical"`
	High        int            `json:"high"`
	Medium      int            `json:"medium"`
	Low         int            `json:"low"`
	Grade       string         `json:"grade,omitempty"`
}

var validScanTypes = map[types.ScanType]bool{
	types.ScanVulnerability: true,
	types.ScanSecrets:       true,
	types.ScanCompliance:    true,
	types.ScanMalware:       true,
	types.ScanLicense:       true,
}

// handleSecurityScan records a scan result and recomputes the container's
// risk profile from it.
func (s *Server) handleSecurityScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errdefs.Validation("malformed_body", "request body is not valid JSON"))
		return
	}
	if req.ContainerID == "" {
		writeError(w, r, errdefs.Validation("missing_container_id", "container_id is required"))
		return
	}
	if !validScanTypes[req.Type] {
		writeError(w, r, errdefs.Validation("invalid_scan_type", "scan type %q is not recognized", req.Type))
		return
	}
	if req.Critical < 0 || req.High < 0 || req.Medium < 0 || req.Low < 0 {
		writeError(w, r, errdefs.Validation("invalid_counts", "finding counts must be non-negative"))
		return
	}

	ctx := r.Context()
	result := &types.ScanResult{
		ID:          uuid.NewString(),
		ContainerID: req.ContainerID,
		Type:        req.Type,
		Critical:    req.Critical,
		High:        req.High,
		Medium:      req.Medium,
		Low:         req.Low,
		Grade:       req.Grade,
		ScannedAt:   time.Now().UTC(),
	}
	if err := s.store.InsertScanResult(ctx, result); err != nil {
		writeError(w, r, err)
		return
	}

	body := map[string]interface{}{"success": true, "scan": result}
	if s.evaluator != nil {
		// Sandboxes run unprivileged as a fixed non-root uid with a writable
		// rootfs.
		profile, err := s.evaluator.RecomputeProfile(ctx, req.ContainerID, security.Posture{RunAsNonRoot: true})
		if err != nil {
			log.Err(s.logger.Warn(), err).Str("container_id", req.ContainerID).Msg("Profile recompute failed")
		} else {
			body["profile"] = profile
		}
	}
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queues.Counts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	queues := make(map[string]interface{}, len(types.QueueNames))
	for _, name := range types.QueueNames {
		queues[name] = map[string]interface{}{
			"paused": s.queues.Paused(name),
			"counts": counts[name],
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "queues": queues})
}

func (s *Server) namedQueue(r *http.Request) (string, error) {
	name := chi.URLParam(r, "queue")
	for _, q := range types.QueueNames {
		if q == name {
			return name, nil
		}
	}
	return "", errdefs.NotFound("queue_not_found", "queue %q does not exist", name)
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	name, err := s.namedQueue(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.queues.Pause(name)
	s.audit(r, "queue.pause", name)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "queue": name, "paused": true})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	name, err := s.namedQueue(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.queues.Resume(name)
	s.audit(r, "queue.resume", name)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "queue": name, "paused": false})
}

// handleDeleteFailed purges failed jobs. An optional before parameter
// (RFC 3339) restricts the purge; the default removes all of them.
func (s *Server) handleDeleteFailed(w http.ResponseWriter, r *http.Request) {
	cutoff := time.Now().UTC()
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, errdefs.Validation("invalid_cutoff", "before must be an RFC 3339 timestamp"))
			return
		}
		cutoff = t
	}
	deleted, err := s.store.DeleteJobsBefore(r.Context(), types.JobStateFailed, cutoff)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.audit(r, "queue.delete_failed", "jobs")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "deleted": deleted})
}

// handleDashboard aggregates the operator view: queue depths, pool
// occupancy, runner states, component health, and recent alerts.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body := map[string]interface{}{"success": true, "generated_at": time.Now().UTC()}

	if counts, err := s.queues.Counts(ctx); err == nil {
		body["queues"] = counts
	} else {
		log.Err(s.logger.Warn(), err).Msg("Dashboard queue counts unavailable")
	}

	if s.pool != nil {
		if ready, allocated, waiting, err := s.pool.Counts(ctx); err == nil {
			body["pool"] = map[string]int{"ready": ready, "allocated": allocated, "waiting": waiting}
		}
	}

	if runners, err := s.store.ListRunners(ctx); err == nil {
		byState := map[types.RunnerState]int{}
		for _, runner := range runners {
			byState[runner.State]++
		}
		body["runners"] = byState
	}

	if alerts, err := s.store.ListAlerts(ctx, 20); err == nil {
		body["alerts"] = alerts
	}

	if s.monitor != nil {
		body["components"] = s.monitor.Statuses()
	}

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) audit(r *http.Request, action, resource string) {
	if _, err := s.store.AppendAudit(r.Context(), "api", action, resource, "success"); err != nil {
		log.Err(s.logger.Warn(), err).Str("action", action).Msg("Audit append failed")
	}
}
