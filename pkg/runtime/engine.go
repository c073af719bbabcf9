package runtime

import (
	"bytes"
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	cerrdefs "github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/types"
)

// ManagedLabel marks every container this orchestrator owns. Reconciliation
// and cleanup only ever touch labeled containers.
const ManagedLabel = "burrow.managed"

// sandboxUID is the non-root user sandboxes run as.
const sandboxUID = 1000

// sandboxCapabilities is the minimal capability set granted to sandboxes.
var sandboxCapabilities = []string{
	"CAP_CHOWN",
	"CAP_DAC_OVERRIDE",
	"CAP_FOWNER",
	"CAP_SETGID",
	"CAP_SETUID",
}

// withNofileLimit caps the number of open file descriptors a sandbox task
// may hold.
func withNofileLimit(n uint64) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *oci.Spec) error {
		if s.Process == nil {
			s.Process = &specs.Process{}
		}
		s.Process.Rlimits = []specs.POSIXRlimit{{
			Type: "RLIMIT_NOFILE",
			Hard: n,
			Soft: n,
		}}
		return nil
	}
}

// CreateSpec describes one sandbox container to create.
type CreateSpec struct {
	ID               string
	Image            string
	Env              []string
	Labels           map[string]string
	Limits           types.ResourceLimits
	NetworkNamespace string
	// LogPath, when set, captures the task's stdio to a framed log file.
	LogPath string
}

// Status is the runtime view of one container.
type Status struct {
	ID       string
	Running  bool
	ExitCode uint32
	Pid      uint32
}

// Engine abstracts the container runtime. The containerd implementation is
// the only production one; tests substitute fakes.
type Engine interface {
	Pull(ctx context.Context, ref string) error
	Create(ctx context.Context, spec CreateSpec) error
	Start(ctx context.Context, id string) error
	// Stop sends SIGTERM and escalates to SIGKILL after timeout.
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, cmd []string, timeout time.Duration) (*types.ExecResult, error)
	Inspect(ctx context.Context, id string) (*Status, error)
	Stats(ctx context.Context, id string) (*types.ContainerStats, error)
	List(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// ContainerdEngine implements Engine over a containerd socket.
type ContainerdEngine struct {
	client    *containerd.Client
	namespace string
	sampler   *cpuSampler
	logger    zerolog.Logger
}

// NewContainerdEngine connects to containerd at the configured address.
func NewContainerdEngine(cfg config.RuntimeConfig) (*ContainerdEngine, error) {
	client, err := containerd.New(cfg.Address)
	if err != nil {
		return nil, errdefs.Unavailable(err, "containerd_unavailable", "connecting to containerd at %s", cfg.Address)
	}
	return &ContainerdEngine{
		client:    client,
		namespace: cfg.Namespace,
		sampler:   newCPUSampler(),
		logger:    log.WithComponent("runtime"),
	}, nil
}

func (e *ContainerdEngine) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, e.namespace)
}

func (e *ContainerdEngine) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// Ping verifies the containerd connection.
func (e *ContainerdEngine) Ping(ctx context.Context) error {
	ok, err := e.client.IsServing(e.ctx(ctx))
	if err != nil {
		return errdefs.Unavailable(err, "containerd_unavailable", "containerd not serving")
	}
	if !ok {
		return errdefs.Unavailable(nil, "containerd_unavailable", "containerd not serving")
	}
	return nil
}

// Pull fetches and unpacks an image.
func (e *ContainerdEngine) Pull(ctx context.Context, ref string) error {
	ctx = e.ctx(ctx)
	if _, err := e.client.Pull(ctx, ref, containerd.WithPullUnpack); err != nil {
		return errdefs.Unavailable(err, "image_pull_failed", "pulling image %s", ref)
	}
	return nil
}

// Create builds the container with a hardened OCI spec: non-root user,
// minimal capabilities, no new privileges, read-only root filesystem, and
// cgroup limits from the requested CreateSpec.
func (e *ContainerdEngine) Create(ctx context.Context, spec CreateSpec) error {
	ctx = e.ctx(ctx)

	image, err := e.client.GetImage(ctx, spec.Image)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			if _, err = e.client.Pull(ctx, spec.Image, containerd.WithPullUnpack); err != nil {
				return errdefs.Unavailable(err, "image_pull_failed", "pulling image %s", spec.Image)
			}
			image, err = e.client.GetImage(ctx, spec.Image)
		}
		if err != nil {
			return errdefs.Wrap(err, errdefs.KindInternal, "image_unavailable", "resolving image %s", spec.Image)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithUIDGID(sandboxUID, sandboxUID),
		oci.WithCapabilities(sandboxCapabilities),
		oci.WithNoNewPrivileges,
		oci.WithRootFSReadonly(),
		oci.WithWriteableSysfs,
	}
	if spec.Limits.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.Limits.MemoryBytes)))
	}
	if spec.Limits.CPUCores > 0 {
		// CFS quota against a 100ms period.
		period := uint64(100000)
		quota := int64(spec.Limits.CPUCores * 100000)
		opts = append(opts, oci.WithCPUCFS(quota, period))
	}
	if spec.Limits.Pids > 0 {
		opts = append(opts, oci.WithPidsLimit(spec.Limits.Pids))
	}
	if spec.Limits.FDs > 0 {
		opts = append(opts, withNofileLimit(uint64(spec.Limits.FDs)))
	}
	if spec.NetworkNamespace != "" {
		opts = append(opts, oci.WithLinuxNamespace(specs.LinuxNamespace{
			Type: specs.NetworkNamespace,
			Path: spec.NetworkNamespace,
		}))
	}
	// Workspace scratch space survives the read-only rootfs.
	opts = append(opts, oci.WithMounts([]specs.Mount{{
		Destination: "/workspace",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options:     []string{"nosuid", "nodev", "size=1g"},
	}}))

	labels := map[string]string{ManagedLabel: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	_, err = e.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindInternal, "container_create_failed", "creating container %s", spec.ID)
	}

	e.logger.Info().
		Str("container_id", spec.ID).
		Str("image", spec.Image).
		Msg("Container created")
	return nil
}

// Start launches the container's task. When spec.LogPath was set at create
// time the caller passes it here via a framed log writer; otherwise stdio is
// discarded.
func (e *ContainerdEngine) Start(ctx context.Context, id string) error {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return e.notFoundOr(err, id, "loading container")
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindInternal, "task_create_failed", "creating task for %s", id)
	}
	if err := task.Start(ctx); err != nil {
		return errdefs.Wrap(err, errdefs.KindInternal, "task_start_failed", "starting task for %s", id)
	}
	return nil
}

// Stop terminates gracefully, escalating to SIGKILL after the timeout.
func (e *ContainerdEngine) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return e.notFoundOr(err, id, "loading container")
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means nothing is running.
		return nil
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindInternal, "task_wait_failed", "waiting on task for %s", id)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !cerrdefs.IsNotFound(err) {
		return errdefs.Wrap(err, errdefs.KindInternal, "task_kill_failed", "signaling task for %s", id)
	}

	select {
	case <-statusC:
	case <-time.After(timeout):
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !cerrdefs.IsNotFound(err) {
			return errdefs.Wrap(err, errdefs.KindInternal, "task_kill_failed", "force killing task for %s", id)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil && !cerrdefs.IsNotFound(err) {
		return errdefs.Wrap(err, errdefs.KindInternal, "task_delete_failed", "deleting task for %s", id)
	}
	return nil
}

// Remove deletes the container and its snapshot, stopping it first.
func (e *ContainerdEngine) Remove(ctx context.Context, id string) error {
	nsctx := e.ctx(ctx)

	container, err := e.client.LoadContainer(nsctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return e.notFoundOr(err, id, "loading container")
	}

	if err := e.Stop(ctx, id, 10*time.Second); err != nil {
		log.Err(e.logger.Warn(), err).Str("container_id", id).Msg("Stop before remove failed, forcing delete")
	}

	if err := container.Delete(nsctx, containerd.WithSnapshotCleanup); err != nil && !cerrdefs.IsNotFound(err) {
		return errdefs.Wrap(err, errdefs.KindInternal, "container_delete_failed", "deleting container %s", id)
	}
	e.sampler.forget(id)

	e.logger.Info().Str("container_id", id).Msg("Container removed")
	return nil
}

// Exec runs a command inside the running container and captures its output.
func (e *ContainerdEngine) Exec(ctx context.Context, id string, cmd []string, timeout time.Duration) (*types.ExecResult, error) {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, e.notFoundOr(err, id, "loading container")
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, errdefs.Conflict("container_not_running", "container %s has no running task", id)
	}

	ospec, err := container.Spec(ctx)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindInternal, "spec_load_failed", "loading spec for %s", id)
	}
	pspec := *ospec.Process
	pspec.Args = cmd

	var stdout, stderr bytes.Buffer
	execID := "exec-" + uuid.NewString()[:8]
	process, err := task.Exec(ctx, execID, &pspec, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindInternal, "exec_failed", "exec in %s", id)
	}
	defer process.Delete(ctx)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindInternal, "exec_failed", "waiting on exec in %s", id)
	}
	if err := process.Start(ctx); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindInternal, "exec_failed", "starting exec in %s", id)
	}

	select {
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			return nil, errdefs.Wrap(err, errdefs.KindInternal, "exec_failed", "exec result in %s", id)
		}
		return &types.ExecResult{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			ExitCode: int(code),
		}, nil
	case <-time.After(timeout):
		_ = process.Kill(ctx, syscall.SIGKILL)
		return nil, errdefs.Timeout(nil, "exec_timeout", "exec in %s exceeded %s", id, timeout)
	}
}

// Inspect reports whether the container's task is running.
func (e *ContainerdEngine) Inspect(ctx context.Context, id string) (*Status, error) {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, e.notFoundOr(err, id, "loading container")
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return &Status{ID: id}, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindInternal, "status_failed", "task status for %s", id)
	}

	return &Status{
		ID:       id,
		Running:  status.Status == containerd.Running || status.Status == containerd.Paused,
		ExitCode: status.ExitStatus,
		Pid:      task.Pid(),
	}, nil
}

// List returns the ids of every managed container in the namespace.
func (e *ContainerdEngine) List(ctx context.Context) ([]string, error) {
	ctx = e.ctx(ctx)

	filter := fmt.Sprintf(`labels.%q==%q`, ManagedLabel, "true")
	containers, err := e.client.Containers(ctx, filter)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindInternal, "container_list_failed", "listing containers")
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

func (e *ContainerdEngine) notFoundOr(err error, id, doing string) error {
	if cerrdefs.IsNotFound(err) {
		return errdefs.NotFound("container_not_found", "container %s not found", id)
	}
	return errdefs.Wrap(err, errdefs.KindInternal, "runtime_error", "%s %s", doing, id)
}
