package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/types"
)

// defaultAPIBase is the hosting service's public API endpoint.
const defaultAPIBase = "https://api.github.com"

// defaultTimeout bounds each API call.
const defaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of an API response is read.
const maxResponseBytes = 1 << 20

// CommitState is the hosting service's commit status state.
type CommitState string

const (
	CommitStatePending CommitState = "pending"
	CommitStateSuccess CommitState = "success"
	CommitStateFailure CommitState = "failure"
	CommitStateError   CommitState = "error"
)

// CommitStatus is one mirrored status update for a commit.
type CommitStatus struct {
	State       CommitState `json:"state"`
	Description string      `json:"description,omitempty"`
	Context     string      `json:"context,omitempty"`
	TargetURL   string      `json:"target_url,omitempty"`
}

// RateLimit is the connectivity probe's view of API quota.
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RunnerInfo is the hosting service's view of one self-hosted runner.
type RunnerInfo struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Busy   bool   `json:"busy"`
}

// Client talks to the hosting service's REST API behind a circuit breaker,
// so a hosting-service outage cannot stall workers on every status mirror.
type Client struct {
	base    string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewClient builds a hosting-service client from config.
func NewClient(cfg config.GitHubConfig) *Client {
	base := cfg.APIBase
	if base == "" {
		base = defaultAPIBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := log.WithComponent("github")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "github-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Hosting-service breaker state changed")
		},
	})
	return &Client{
		base:    base,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// CreateCommitStatus mirrors a job's terminal state onto the commit.
func (c *Client) CreateCommitStatus(ctx context.Context, owner, repo, sha string, status CommitStatus) error {
	path := fmt.Sprintf("/repos/%s/%s/statuses/%s", owner, repo, sha)
	return c.do(ctx, http.MethodPost, path, status, nil)
}

// GetRunner reads the hosting service's busy/online view of a self-hosted
// runner, used to reconcile external state with the registry.
func (c *Client) GetRunner(ctx context.Context, owner, repo string, runnerID int64) (*RunnerInfo, error) {
	var info RunnerInfo
	path := fmt.Sprintf("/repos/%s/%s/actions/runners/%d", owner, repo, runnerID)
	if err := c.do(ctx, http.MethodGet, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CheckConnectivity probes the API and reports remaining quota.
func (c *Client) CheckConnectivity(ctx context.Context) (*RateLimit, error) {
	var body struct {
		Resources struct {
			Core struct {
				Limit     int   `json:"limit"`
				Remaining int   `json:"remaining"`
				Reset     int64 `json:"reset"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := c.do(ctx, http.MethodGet, "/rate_limit", nil, &body); err != nil {
		return nil, err
	}
	return &RateLimit{
		Limit:     body.Resources.Core.Limit,
		Remaining: body.Resources.Core.Remaining,
		ResetAt:   time.Unix(body.Resources.Core.Reset, 0).UTC(),
	}, nil
}

// CommitStateFor maps a terminal job state to a commit status state.
func CommitStateFor(state types.JobState) CommitState {
	switch state {
	case types.JobStateCompleted:
		return CommitStateSuccess
	case types.JobStateFailed:
		return CommitStateFailure
	case types.JobStateDead:
		return CommitStateError
	default:
		return CommitStatePending
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errdefs.Unavailable(err, "github_circuit_open", "hosting-service circuit breaker open")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errdefs.New(errdefs.KindInternal, "github_encode_failed", "encoding %s %s body", method, path)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errdefs.New(errdefs.KindInternal, "github_request_failed", "building %s %s", method, path)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return errdefs.Timeout(err, "github_timeout", "%s %s timed out", method, path)
		}
		return errdefs.Unavailable(err, "github_unreachable", "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode >= 400 {
		return apiError(method, path, resp, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return errdefs.Wrap(err, errdefs.KindInternal, "github_decode_failed", "decoding %s %s response", method, path)
		}
	}
	return nil
}

func apiError(method, path string, resp *http.Response, raw []byte) error {
	var apiMsg struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &apiMsg)
	msg := apiMsg.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errdefs.Authentication("github_unauthorized", "%s %s: %s", method, path, msg)
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return errdefs.RateLimited("github_rate_limited", "%s %s: %s", method, path, msg)
	case resp.StatusCode == http.StatusForbidden:
		return errdefs.Authorization("github_forbidden", "%s %s: %s", method, path, msg)
	case resp.StatusCode == http.StatusNotFound:
		return errdefs.NotFound("github_not_found", "%s %s: %s", method, path, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return errdefs.RateLimited("github_rate_limited", "%s %s: %s", method, path, msg)
	case resp.StatusCode >= 500:
		return errdefs.Unavailable(nil, "github_server_error", "%s %s: %d %s", method, path, resp.StatusCode, msg)
	default:
		return errdefs.Validation("github_rejected", "%s %s: %d %s", method, path, resp.StatusCode, msg)
	}
}
