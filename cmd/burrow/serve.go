package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/burrowci/burrow/pkg/api"
	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/coord"
	"github.com/burrowci/burrow/pkg/delegate"
	"github.com/burrowci/burrow/pkg/github"
	"github.com/burrowci/burrow/pkg/ha"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/metrics"
	"github.com/burrowci/burrow/pkg/pool"
	"github.com/burrowci/burrow/pkg/queue"
	"github.com/burrowci/burrow/pkg/runtime"
	"github.com/burrowci/burrow/pkg/security"
	"github.com/burrowci/burrow/pkg/storage"
	"github.com/burrowci/burrow/pkg/types"
	"github.com/burrowci/burrow/pkg/webhook"
	"github.com/burrowci/burrow/pkg/worker"
)

const (
	containerHealthInterval = 30 * time.Second
	runnerSweepInterval     = 30 * time.Second
	retentionSweepInterval  = time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Start the orchestrator: queue engine, sandbox pool, webhook ingress,
delegation service, and the HTTP API, with leader election when high
availability is enabled.`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(serve())
	},
}

func serve() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithNodeID(cfg.Core.NodeID)
	logger.Info().
		Str("version", Version).
		Str("role", cfg.Core.NodeRole).
		Msg("Starting orchestrator")

	// The three hard startup dependencies dial concurrently; any one of them
	// failing aborts startup.
	var (
		store       *storage.SQLStore
		coordClient *coord.Client
		engine      *runtime.ContainerdEngine
	)
	var g errgroup.Group
	g.Go(func() (err error) {
		store, err = storage.Open(cfg.Store)
		return err
	})
	g.Go(func() (err error) {
		coordClient, err = coord.NewClient(cfg.Coord)
		return err
	})
	g.Go(func() (err error) {
		engine, err = runtime.NewContainerdEngine(cfg.Runtime)
		return err
	})
	if err := g.Wait(); err != nil {
		log.Err(logger.Error(), err).Msg("Startup dependency unavailable")
		return exitUnavailable
	}
	defer store.Close()
	defer coordClient.Close()
	defer engine.Close()

	queueOpts := []queue.Option{queue.WithCoordinator(coordClient)}
	if cfg.Queues.JournalPath != "" {
		journal, err := queue.OpenJournal(cfg.Queues.JournalPath)
		if err != nil {
			log.Err(logger.Error(), err).Msg("Opening queue journal failed")
			return exitUnavailable
		}
		defer journal.Close()
		queueOpts = append(queueOpts, queue.WithJournal(journal))
	}
	queues := queue.NewEngine(cfg.Queues, store, cfg.Core.NodeID, queueOpts...)

	registry := pool.NewRegistry(store)
	poolMgr := pool.NewManager(cfg.Pool, cfg.Limits, engine, store, pool.WithCoordinator(coordClient))
	healthMon := runtime.NewHealthMonitor(engine, store, poolMgr, containerHealthInterval)

	var policies []*security.Policy
	if cfg.Security.PolicyDir != "" {
		policies, err = security.LoadPolicies(cfg.Security.PolicyDir)
		if err != nil {
			log.Err(logger.Error(), err).Str("dir", cfg.Security.PolicyDir).Msg("Loading security policies failed")
			return exitConfig
		}
		policies = selectPolicies(policies, cfg.Security.PolicyIDs)
	}
	evaluator := security.NewEvaluator(cfg.Security, policies, store, poolMgr)

	var gh *github.Client
	if cfg.GitHub.Token != "" {
		gh = github.NewClient(cfg.GitHub)
	}

	delegateOpts := []delegate.Option{delegate.WithCoordinator(coordClient)}
	if gh != nil {
		delegateOpts = append(delegateOpts, delegate.WithMirror(gh))
	}
	delegateSvc := delegate.NewService(store, registry, queues, delegateOpts...)

	logDir := filepath.Join(cfg.Core.DataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Err(logger.Error(), err).Str("dir", logDir).Msg("Creating log directory failed")
		return exitConfig
	}

	registerProcessors(cfg, queues, store, registry, poolMgr, healthMon, engine, evaluator, gh, coordClient, logDir)

	scheduler := queue.NewScheduler(queues, coordClient, cfg.Core.NodeID)

	failover := ha.NewFailover(cfg.HA, store, coordClient, queues)
	monitor := ha.NewMonitor(cfg.HA, failover.Handle)
	monitor.RegisterProbe(ha.ComponentStore, store.Ping)
	monitor.RegisterProbe(ha.ComponentCoord, coordClient.Ping)
	monitor.RegisterProbe(ha.ComponentEngine, engine.Ping)
	if cfg.Store.ReplicaURL != "" {
		monitor.RegisterProbe(ha.ComponentStoreReplica, store.PingReplica)
	}

	retention := storage.RetentionPolicy{
		Completed: cfg.Store.RetentionCompleted,
		Failed:    cfg.Store.RetentionFailed,
	}
	duties := &leaderDuties{
		logger:    logger,
		pool:      poolMgr,
		registry:  registry,
		store:     store,
		retention: retention,
	}

	runCtx := context.Background()
	if err := queues.Start(runCtx); err != nil {
		log.Err(logger.Error(), err).Msg("Queue engine failed to start")
		return exitInternal
	}
	if err := poolMgr.Start(runCtx); err != nil {
		log.Err(logger.Error(), err).Msg("Pool manager failed to start")
		return exitInternal
	}
	healthMon.Start()
	if err := scheduler.Start(queue.DefaultSchedules()); err != nil {
		log.Err(logger.Error(), err).Msg("Scheduler failed to start")
		return exitInternal
	}
	monitor.Start()

	// The pool manager maintains its own gauges; the collector covers queue
	// depth.
	gauges := metrics.NewCollector(queues.Counts, nil, 0)
	gauges.Start()

	var elector *ha.Elector
	if cfg.HA.Enabled {
		elector = ha.NewElector(cfg.HA, coordClient, cfg.Core.NodeID, duties.apply)
		elector.Start()
	} else {
		duties.apply(cfg.Core.NodeRole == "orchestrator", 0)
	}

	apiSrv := api.NewServer(cfg.API, cfg.RateLimit, api.Deps{
		Store:     store,
		Queues:    queues,
		Pool:      poolMgr,
		Registry:  registry,
		Delegate:  delegateSvc,
		GitHub:    gh,
		Evaluator: evaluator,
		Monitor:   monitor,
		Coord:     coordClient,
		Webhook:   webhook.NewHandler(cfg.Webhook, store, queues),
		LogDir:    logDir,
	})
	apiErr := apiSrv.Start()
	logger.Info().Str("addr", cfg.API.ListenAddr).Msg("Orchestrator running")

	sigCtx, stop := signal.NotifyContext(runCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := exitOK
	select {
	case <-sigCtx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-apiErr:
		log.Err(logger.Error(), err).Msg("API server failed")
		code = exitInternal
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Core.ShutdownTimeout)
	defer cancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Err(logger.Warn(), err).Msg("API shutdown incomplete")
	}
	if elector != nil {
		elector.Stop()
	}
	duties.apply(false, 0)
	gauges.Stop()
	monitor.Stop()
	scheduler.Stop()
	healthMon.Stop()
	poolMgr.Stop()
	if err := queues.Stop(shutdownCtx); err != nil {
		log.Err(logger.Warn(), err).Msg("Queue drain exceeded shutdown deadline")
		if code == exitOK {
			code = exitShutdown
		}
	}
	logger.Info().Msg("Orchestrator stopped")
	return code
}

// registerProcessors binds every job class to its processor. Classes whose
// collaborator is not configured get an explicit drop so the queue never
// parks their jobs as unprocessable.
func registerProcessors(
	cfg *config.Config,
	queues *queue.Engine,
	store storage.Store,
	registry *pool.Registry,
	poolMgr *pool.Manager,
	healthMon *runtime.HealthMonitor,
	engine runtime.Engine,
	evaluator *security.Evaluator,
	gh *github.Client,
	coordClient *coord.Client,
	logDir string,
) {
	executor := worker.NewExecutor(poolMgr, engine, logDir,
		worker.WithEvaluator(evaluator),
		worker.WithEnqueuer(queues),
	)
	queues.Register(types.JobExecuteWorkflow, executor.Process)
	queues.Register(types.JobPrepareRunner, worker.PrepareRunnerProcessor(store))
	queues.Register(types.JobCleanupRunner, worker.CleanupRunnerProcessor(store, registry))
	queues.Register(types.JobCreateContainer, worker.CreateContainerProcessor(poolMgr))
	queues.Register(types.JobDestroyContainer, worker.DestroyContainerProcessor(poolMgr))
	queues.Register(types.JobHealthCheck, worker.HealthCheckProcessor(healthMon))
	queues.Register(types.JobProcessWebhook, worker.ProcessWebhookProcessor(store, queues))
	queues.Register(types.JobCleanupContainers, worker.CleanupContainersProcessor(store, engine))

	if gh != nil {
		queues.Register(types.JobUpdateStatus, worker.UpdateStatusProcessor(gh))
		queues.Register(types.JobSyncExternalData, worker.SyncExternalDataProcessor(gh, store))
	} else {
		dropLogger := log.WithComponent("main")
		drop := func(ctx context.Context, job *types.Job) error {
			dropLogger.Debug().Str("class", string(job.Class)).Msg("GitHub integration disabled, dropping job")
			return nil
		}
		queues.Register(types.JobUpdateStatus, drop)
		queues.Register(types.JobSyncExternalData, drop)
	}

	retention := storage.RetentionPolicy{
		Completed: cfg.Store.RetentionCompleted,
		Failed:    cfg.Store.RetentionFailed,
	}
	queues.Register(types.JobCollectMetrics, queue.CollectMetricsProcessor(metrics.NewPrometheusSink(), store))
	queues.Register(types.JobSendAlert, queue.SendAlertProcessor(store, coordClient))
	queues.Register(types.JobCleanupOldJobs, queue.CleanupOldJobsProcessor(store, retention))
	queues.Register(types.JobCleanupLogs, queue.CleanupLogsProcessor(logDir, cfg.Store.RetentionCompleted))
}

func selectPolicies(policies []*security.Policy, ids []string) []*security.Policy {
	if len(ids) == 0 {
		return policies
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var selected []*security.Policy
	for _, p := range policies {
		if want[p.ID] {
			selected = append(selected, p)
		}
	}
	return selected
}

// leaderDuties starts and stops the work only one replica may run: pool
// scaling, the retention sweeper, and the runner liveness sweep.
type leaderDuties struct {
	logger    zerolog.Logger
	pool      *pool.Manager
	registry  *pool.Registry
	store     storage.Store
	retention storage.RetentionPolicy

	mu      sync.Mutex
	sweeper *storage.Sweeper
}

func (d *leaderDuties) apply(leader bool, generation int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pool.SetLeader(leader)
	if leader && d.sweeper == nil {
		d.logger.Info().Int64("generation", generation).Msg("Assuming leader duties")
		d.sweeper = storage.NewSweeper(d.store, d.retention, retentionSweepInterval)
		d.sweeper.Start()
		d.registry.StartSweep(runnerSweepInterval)
	} else if !leader && d.sweeper != nil {
		d.logger.Info().Msg("Releasing leader duties")
		d.sweeper.Stop()
		d.sweeper = nil
		d.registry.StopSweep()
	}
}
