package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/coord"
	"github.com/burrowci/burrow/pkg/delegate"
	"github.com/burrowci/burrow/pkg/github"
	"github.com/burrowci/burrow/pkg/ha"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/metrics"
	"github.com/burrowci/burrow/pkg/pool"
	"github.com/burrowci/burrow/pkg/queue"
	"github.com/burrowci/burrow/pkg/security"
	"github.com/burrowci/burrow/pkg/storage"
)

// Server is the authenticated HTTP control surface: job queries and
// delegation, the runner registry, queue operations, security scan intake,
// telemetry, and the websocket event feed. Webhook ingress mounts alongside
// it so one listener serves everything.
type Server struct {
	cfg       config.APIConfig
	store     storage.Store
	queues    *queue.Engine
	pool      *pool.Manager
	registry  *pool.Registry
	delegate  *delegate.Service
	github    *github.Client
	evaluator *security.Evaluator
	monitor   *ha.Monitor
	coord     *coord.Client
	webhook   http.Handler
	logDir    string

	auth      *Authenticator
	dataLimit *rateLimiter
	authLimit *rateLimiter

	http   *http.Server
	logger zerolog.Logger
}

// Deps carries the capabilities the server fronts. Optional collaborators
// (github, evaluator, monitor, coord, webhook) may be nil; their endpoints
// then report dependency_unavailable or are not mounted.
type Deps struct {
	Store     storage.Store
	Queues    *queue.Engine
	Pool      *pool.Manager
	Registry  *pool.Registry
	Delegate  *delegate.Service
	GitHub    *github.Client
	Evaluator *security.Evaluator
	Monitor   *ha.Monitor
	Coord     *coord.Client
	Webhook   http.Handler
	// LogDir is where sandbox log files are written, one framed file per job.
	LogDir string
}

// NewServer wires the router. Call Start to begin serving.
func NewServer(cfg config.APIConfig, rl config.RateLimitConfig, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		store:     deps.Store,
		queues:    deps.Queues,
		pool:      deps.Pool,
		registry:  deps.Registry,
		delegate:  deps.Delegate,
		github:    deps.GitHub,
		evaluator: deps.Evaluator,
		monitor:   deps.Monitor,
		coord:     deps.Coord,
		webhook:   deps.Webhook,
		logDir:    deps.LogDir,
		auth:      NewAuthenticator(cfg),
		dataLimit: newRateLimiter(rl.Window, rl.DataLimit),
		authLimit: newRateLimiter(rl.Window, rl.AuthLimit),
		logger:    log.WithComponent("api"),
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestID, s.recoverer, s.observe)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.webhook != nil {
		r.Method(http.MethodPost, "/webhook", s.webhook)
	}

	r.Route("/api", func(r chi.Router) {
		r.With(s.limitAuthAttempts).Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Post("/auth/logout", s.handleLogout)

			r.Get("/jobs", s.handleListJobs)
			r.Post("/jobs/delegate", s.handleDelegate)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Get("/jobs/{id}/logs", s.handleJobLogs)
			r.Put("/jobs/{id}/status", s.handleJobStatus)
			r.Post("/jobs/{id}/retry", s.handleRetryJob)

			r.Get("/runners", s.handleListRunners)
			r.Post("/runners", s.handleRegisterRunner)
			r.Get("/runners/{id}", s.handleGetRunner)
			r.Post("/runners/{id}/heartbeat", s.handleRunnerHeartbeat)
			r.Get("/runners/{id}/assignment", s.handleRunnerAssignment)
			r.Delete("/runners/{id}", s.handleDeregisterRunner)

			r.Get("/github/status", s.handleGitHubStatus)
			r.Post("/security/scan", s.handleSecurityScan)

			r.Get("/queues/status", s.handleQueueStatus)
			r.Post("/queues/{queue}/pause", s.handleQueuePause)
			r.Post("/queues/{queue}/resume", s.handleQueueResume)
			r.Delete("/queues/failed", s.handleDeleteFailed)

			r.Get("/monitoring/dashboard", s.handleDashboard)
			r.Method(http.MethodGet, "/metrics", metrics.Handler())

			if s.coord != nil {
				r.Get("/ws", s.handleWebsocket)
			}
		})
	})
	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until Shutdown. The error channel receives at most one
// listener failure.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("API server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown drains in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
