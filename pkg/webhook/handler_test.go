package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/queue"
	"github.com/burrowci/burrow/pkg/storage"
	"github.com/burrowci/burrow/pkg/types"
)

const testSecret = "test-webhook-secret"

func newTestHandler(t *testing.T) (*Handler, storage.Store) {
	t.Helper()
	store, err := storage.OpenTest()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	concurrency := make(map[string]int)
	for _, q := range types.QueueNames {
		concurrency[q] = 1
	}
	engine := queue.NewEngine(config.QueueConfig{
		Concurrency:       concurrency,
		VisibilityTimeout: 60 * time.Second,
		AdmissionCapacity: 100,
		SweepInterval:     time.Hour,
		RecoveryMaxAge:    24 * time.Hour,
	}, store, "node-test")

	h := NewHandler(config.WebhookConfig{
		Secret:       testSecret,
		MaxBodyBytes: 1 << 20,
	}, store, engine)
	return h, store
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func deliver(h *Handler, eventType, deliveryID, signature string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) webhookResponse {
	t.Helper()
	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func workflowJobBody() []byte {
	return []byte(`{"action":"queued","workflow_job":{"id":1,"labels":["self-hosted"]},"repository":{"full_name":"acme/widgets"}}`)
}

func TestWebhookAccepted(t *testing.T) {
	h, store := newTestHandler(t)
	body := workflowJobBody()

	rec := deliver(h, "workflow_job", "delivery-1", sign(testSecret, body), body)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode(t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "accepted", resp.Status)
	assert.NotEmpty(t, resp.JobID)

	ctx := context.Background()
	event, err := store.GetWebhookEvent(ctx, "delivery-1")
	require.NoError(t, err)
	assert.True(t, event.SignatureValid)
	assert.True(t, event.Processed)
	assert.Equal(t, "acme/widgets", event.Repository)

	job, err := store.GetJob(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobProcessWebhook, job.Class)
	assert.Equal(t, types.QueueWebhookProcessing, job.Queue)
	// workflow_job deliveries are the most urgent.
	assert.Equal(t, types.PriorityCritical, job.Priority)
	assert.Equal(t, "delivery-1", job.SourceEventID)
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	h, store := newTestHandler(t)
	body := workflowJobBody()
	signature := sign(testSecret, body)

	rec := deliver(h, "workflow_job", "delivery-1", signature, body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = deliver(h, "workflow_job", "delivery-1", signature, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decode(t, rec).Status)

	// Exactly one job was enqueued.
	jobs, err := store.ListJobs(context.Background(), storage.JobFilter{Class: types.JobProcessWebhook})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestWebhookInvalidSignature(t *testing.T) {
	h, store := newTestHandler(t)
	body := workflowJobBody()

	rec := deliver(h, "workflow_job", "delivery-1", sign("wrong-secret", body), body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = deliver(h, "workflow_job", "delivery-2", "not-a-signature", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = deliver(h, "workflow_job", "delivery-3", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	jobs, err := store.ListJobs(context.Background(), storage.JobFilter{Class: types.JobProcessWebhook})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestWebhookUnlistedEventIgnored(t *testing.T) {
	h, store := newTestHandler(t)
	body := []byte(`{"repository":{"full_name":"acme/widgets"}}`)

	rec := deliver(h, "star", "delivery-1", sign(testSecret, body), body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decode(t, rec).Status)

	// Ignored deliveries are not persisted.
	_, err := store.GetWebhookEvent(context.Background(), "delivery-1")
	assert.Error(t, err)
}

func TestWebhookMalformedPayload(t *testing.T) {
	h, _ := newTestHandler(t)
	body := []byte(`{not json`)

	rec := deliver(h, "workflow_job", "delivery-1", sign(testSecret, body), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed_payload", decode(t, rec).Status)
}

func TestWebhookInvalidRepository(t *testing.T) {
	h, _ := newTestHandler(t)

	for _, repo := range []string{
		"acme",
		"../etc/passwd",
		"acme/../escape",
		"https://evil.example/x",
		"acme/widgets/extra",
		"a_b/widgets",
		"acme/" + string(bytes.Repeat([]byte("x"), 40)),
	} {
		body, _ := json.Marshal(map[string]any{
			"repository": map[string]string{"full_name": repo},
		})
		rec := deliver(h, "push", "delivery-"+repo, sign(testSecret, body), body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "repo %q", repo)
	}
}

func TestWebhookMissingDeliveryID(t *testing.T) {
	h, _ := newTestHandler(t)
	body := workflowJobBody()

	rec := deliver(h, "workflow_job", "", sign(testSecret, body), body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookPingWithoutRepository(t *testing.T) {
	h, _ := newTestHandler(t)
	body := []byte(`{"zen":"Keep it logically awesome."}`)

	rec := deliver(h, "ping", "delivery-ping", sign(testSecret, body), body)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookBodyTooLarge(t *testing.T) {
	store, err := storage.OpenTest()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := NewHandler(config.WebhookConfig{Secret: testSecret, MaxBodyBytes: 64}, store, nil)
	body := bytes.Repeat([]byte("x"), 128)

	rec := deliver(h, "workflow_job", "delivery-1", sign(testSecret, body), body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWebhookNoSecretConfigured(t *testing.T) {
	store, err := storage.OpenTest()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	concurrency := map[string]int{}
	for _, q := range types.QueueNames {
		concurrency[q] = 1
	}
	engine := queue.NewEngine(config.QueueConfig{
		Concurrency:       concurrency,
		VisibilityTimeout: 60 * time.Second,
		AdmissionCapacity: 100,
		SweepInterval:     time.Hour,
		RecoveryMaxAge:    24 * time.Hour,
	}, store, "node-test")
	h := NewHandler(config.WebhookConfig{MaxBodyBytes: 1 << 20}, store, engine)

	body := workflowJobBody()
	rec := deliver(h, "workflow_job", "delivery-1", "", body)
	require.Equal(t, http.StatusOK, rec.Code)

	event, err := store.GetWebhookEvent(context.Background(), "delivery-1")
	require.NoError(t, err)
	assert.False(t, event.SignatureValid)
}

func TestValidRepoName(t *testing.T) {
	assert.True(t, ValidRepoName("acme/widgets"))
	assert.True(t, ValidRepoName("a/b"))
	assert.False(t, ValidRepoName("acme"))
	assert.False(t, ValidRepoName("acme/"))
	assert.False(t, ValidRepoName("/widgets"))
	assert.False(t, ValidRepoName("acme/wid gets"))
	assert.False(t, ValidRepoName("acme/wid.gets"))
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
