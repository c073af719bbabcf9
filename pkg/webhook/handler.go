package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/metrics"
	"github.com/burrowci/burrow/pkg/queue"
	"github.com/burrowci/burrow/pkg/storage"
	"github.com/burrowci/burrow/pkg/types"
)

// repoPartRegex validates each half of owner/name. GitHub caps both at 39
// characters.
var repoPartRegex = regexp.MustCompile(`^[A-Za-z0-9-]{1,39}$`)

// Enqueuer is the slice of the queue engine the handler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, class types.JobClass, payload json.RawMessage, opts ...queue.EnqueueOption) (*types.Job, error)
}

// Handler receives hosting-service webhook deliveries: it verifies the HMAC
// signature, enforces the event whitelist, dedupes on delivery id, persists
// the raw event, and enqueues a process_webhook job.
type Handler struct {
	secret   []byte
	maxBody  int64
	store    storage.Store
	enqueuer Enqueuer
	logger   zerolog.Logger
}

// NewHandler builds the webhook handler. An empty secret disables signature
// verification; deliveries are then recorded with signature_valid false.
func NewHandler(cfg config.WebhookConfig, store storage.Store, enqueuer Enqueuer) *Handler {
	h := &Handler{
		secret:   []byte(cfg.Secret),
		maxBody:  cfg.MaxBodyBytes,
		store:    store,
		enqueuer: enqueuer,
		logger:   log.WithComponent("webhook"),
	}
	if len(h.secret) == 0 {
		h.logger.Warn().Msg("Webhook secret not configured, signature verification disabled")
	}
	return h
}

type webhookResponse struct {
	Success    bool   `json:"success"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	DeliveryID string `json:"delivery_id,omitempty"`
	JobID      string `json:"job_id,omitempty"`
}

// repoEnvelope pulls the repository identity out of an arbitrary event body.
type repoEnvelope struct {
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.reject(w, eventType, "payload_too_large", http.StatusRequestEntityTooLarge, "request body exceeds limit")
			return
		}
		h.reject(w, eventType, "read_failed", http.StatusBadRequest, "failed to read request body")
		return
	}

	sigValid := h.verifySignature(body, r.Header.Get("X-Hub-Signature-256"))
	if len(h.secret) > 0 && !sigValid {
		h.reject(w, eventType, "invalid_signature", http.StatusUnauthorized, "signature verification failed")
		return
	}

	if deliveryID == "" {
		h.reject(w, eventType, "missing_delivery_id", http.StatusBadRequest, "X-GitHub-Delivery header is required")
		return
	}
	if eventType == "" {
		h.reject(w, eventType, "missing_event_type", http.StatusBadRequest, "X-GitHub-Event header is required")
		return
	}

	if !config.EventWhitelist[eventType] {
		metrics.WebhooksReceived.WithLabelValues(eventType, "ignored").Inc()
		h.respond(w, http.StatusOK, webhookResponse{Success: true, Status: "ignored", DeliveryID: deliveryID})
		return
	}

	var envelope repoEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		h.reject(w, eventType, "malformed_payload", http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	repo := envelope.Repository.FullName
	// Ping deliveries may omit the repository entirely.
	if repo == "" && eventType != "ping" {
		h.reject(w, eventType, "malformed_payload", http.StatusBadRequest, "repository.full_name is required")
		return
	}
	if repo != "" && !ValidRepoName(repo) {
		h.reject(w, eventType, "invalid_repository", http.StatusBadRequest, "repository name is not valid")
		return
	}

	ctx := r.Context()
	event := &types.WebhookEvent{
		DeliveryID:     deliveryID,
		EventType:      eventType,
		Repository:     repo,
		Payload:        body,
		SignatureValid: sigValid,
		ReceivedAt:     time.Now().UTC(),
	}
	inserted, err := h.store.InsertWebhookEvent(ctx, event)
	if err != nil {
		log.Err(h.logger.Error(), err).Str("delivery_id", deliveryID).Msg("Failed to persist webhook event")
		w.Header().Set("Retry-After", "30")
		h.reject(w, eventType, "store_unavailable", http.StatusServiceUnavailable, "event store unavailable")
		return
	}
	if !inserted {
		metrics.WebhooksReceived.WithLabelValues(eventType, "duplicate").Inc()
		h.respond(w, http.StatusOK, webhookResponse{Success: true, Status: "duplicate", DeliveryID: deliveryID})
		return
	}

	// The job payload references the stored event rather than carrying the
	// body; deliveries can be far larger than the job payload limit.
	jobPayload, _ := json.Marshal(map[string]string{
		"event":       eventType,
		"delivery_id": deliveryID,
		"repository":  repo,
	})
	job, err := h.enqueuer.Enqueue(ctx, types.JobProcessWebhook, jobPayload, queue.WithSourceEvent(deliveryID))
	if err != nil {
		// The event row stays unprocessed so a later sweep can enqueue it.
		log.Err(h.logger.Error(), err).Str("delivery_id", deliveryID).Msg("Failed to enqueue webhook job")
		switch errdefs.KindOf(err) {
		case errdefs.KindResourceExhausted, errdefs.KindDependencyUnavailable:
			w.Header().Set("Retry-After", "30")
			h.reject(w, eventType, errdefs.CodeOf(err), http.StatusServiceUnavailable, "queue unavailable")
		default:
			h.reject(w, eventType, errdefs.CodeOf(err), http.StatusInternalServerError, "failed to enqueue job")
		}
		return
	}

	if err := h.store.MarkWebhookProcessed(ctx, deliveryID, true); err != nil {
		log.Err(h.logger.Warn(), err).Str("delivery_id", deliveryID).Msg("Failed to mark delivery processed")
	}

	metrics.WebhooksReceived.WithLabelValues(eventType, "accepted").Inc()
	h.logger.Info().
		Str("delivery_id", deliveryID).
		Str("event_type", eventType).
		Str("repository", repo).
		Str("job_id", job.ID).
		Msg("Webhook accepted")
	h.respond(w, http.StatusOK, webhookResponse{
		Success:    true,
		Status:     "accepted",
		DeliveryID: deliveryID,
		JobID:      job.ID,
	})
}

// verifySignature checks the sha256=<hex> HMAC header in constant time.
func (h *Handler) verifySignature(body []byte, header string) bool {
	if len(h.secret) == 0 {
		return false
	}
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// ValidRepoName reports whether repo is a well-formed owner/name pair. Both
// halves are limited to 39 characters of [A-Za-z0-9-], which also excludes
// path traversal and URL schemes.
func ValidRepoName(repo string) bool {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		return false
	}
	return repoPartRegex.MatchString(owner) && repoPartRegex.MatchString(name)
}

func (h *Handler) reject(w http.ResponseWriter, eventType, code string, status int, message string) {
	if eventType == "" {
		eventType = "unknown"
	}
	metrics.WebhooksReceived.WithLabelValues(eventType, code).Inc()
	h.respond(w, status, webhookResponse{Success: false, Status: code, Message: message})
}

func (h *Handler) respond(w http.ResponseWriter, status int, body webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
