package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.GitHubConfig{
		APIBase: srv.URL,
		Token:   "test-token",
		Timeout: 2 * time.Second,
	})
}

func TestCreateCommitStatus(t *testing.T) {
	var got CommitStatus
	var auth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/widgets/statuses/abc123", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))

	err := c.CreateCommitStatus(context.Background(), "acme", "widgets", "abc123", CommitStatus{
		State:       CommitStateSuccess,
		Description: "workflow completed",
		Context:     "burrow",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-token", auth)
	assert.Equal(t, CommitStateSuccess, got.State)
}

func TestCheckConnectivity(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rate_limit", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"resources":{"core":{"limit":5000,"remaining":4200,"reset":1700000000}}}`))
	}))

	rl, err := c.CheckConnectivity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5000, rl.Limit)
	assert.Equal(t, 4200, rl.Remaining)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), rl.ResetAt)
}

func TestGetRunner(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/widgets/actions/runners/42", r.URL.Path)
		w.Write([]byte(`{"id":42,"name":"proxy-1","status":"online","busy":true}`))
	}))

	info, err := c.GetRunner(context.Background(), "acme", "widgets", 42)
	require.NoError(t, err)
	assert.True(t, info.Busy)
	assert.Equal(t, "online", info.Status)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		headers  map[string]string
		wantKind errdefs.Kind
		wantCode string
	}{
		{"unauthorized", http.StatusUnauthorized, nil, errdefs.KindAuthentication, "github_unauthorized"},
		{"forbidden", http.StatusForbidden, nil, errdefs.KindAuthorization, "github_forbidden"},
		{"rate limited via 403", http.StatusForbidden, map[string]string{"X-RateLimit-Remaining": "0"}, errdefs.KindRateLimited, "github_rate_limited"},
		{"rate limited via 429", http.StatusTooManyRequests, nil, errdefs.KindRateLimited, "github_rate_limited"},
		{"not found", http.StatusNotFound, nil, errdefs.KindNotFound, "github_not_found"},
		{"server error", http.StatusBadGateway, nil, errdefs.KindDependencyUnavailable, "github_server_error"},
		{"unprocessable", http.StatusUnprocessableEntity, nil, errdefs.KindValidation, "github_rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"message":"nope"}`))
			}))

			_, err := c.CheckConnectivity(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, errdefs.KindOf(err))
			assert.Equal(t, tt.wantCode, errdefs.CodeOf(err))
		})
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.CheckConnectivity(ctx)
		require.Error(t, err)
	}

	// The breaker is open now; the request never reaches the server.
	_, err := c.CheckConnectivity(ctx)
	require.Error(t, err)
	assert.Equal(t, "github_circuit_open", errdefs.CodeOf(err))
	assert.Equal(t, 5, calls)
}

func TestCommitStateFor(t *testing.T) {
	assert.Equal(t, CommitStateSuccess, CommitStateFor(types.JobStateCompleted))
	assert.Equal(t, CommitStateFailure, CommitStateFor(types.JobStateFailed))
	assert.Equal(t, CommitStateError, CommitStateFor(types.JobStateDead))
	assert.Equal(t, CommitStatePending, CommitStateFor(types.JobStateActive))
}
