package runtime

import (
	"context"
	goruntime "runtime"
	"sync"
	"time"

	v1 "github.com/containerd/cgroups/v3/cgroup1/stats"
	v2 "github.com/containerd/cgroups/v3/cgroup2/stats"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/typeurl/v2"

	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/types"
)

// cpuSample is one prior CPU reading used to compute a usage delta.
type cpuSample struct {
	containerNS uint64
	systemNS    uint64
}

// cpuSampler caches the previous CPU reading per container. The first
// reading for a container reports zero percent.
type cpuSampler struct {
	mu   sync.Mutex
	prev map[string]cpuSample
}

func newCPUSampler() *cpuSampler {
	return &cpuSampler{prev: make(map[string]cpuSample)}
}

// percent computes CPU usage from the delta against the previous sample:
// (container delta / system delta) scaled by online CPUs.
func (s *cpuSampler) percent(id string, containerNS, systemNS uint64, onlineCPUs int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.prev[id]
	s.prev[id] = cpuSample{containerNS: containerNS, systemNS: systemNS}
	if !ok {
		return 0
	}
	return cpuPercent(prev.containerNS, containerNS, prev.systemNS, systemNS, onlineCPUs)
}

func (s *cpuSampler) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prev, id)
}

// cpuPercent implements (Δcontainer / Δsystem) × onlineCPUs × 100. Readings
// that do not advance report zero.
func cpuPercent(prevContainer, curContainer, prevSystem, curSystem uint64, onlineCPUs int) float64 {
	if curContainer <= prevContainer || curSystem <= prevSystem {
		return 0
	}
	containerDelta := float64(curContainer - prevContainer)
	systemDelta := float64(curSystem - prevSystem)
	return containerDelta / systemDelta * float64(onlineCPUs) * 100
}

// Stats reads the container's cgroup metrics, handling both cgroup v1 and
// v2 layouts.
func (e *ContainerdEngine) Stats(ctx context.Context, id string) (*types.ContainerStats, error) {
	ctx = namespaces.WithNamespace(ctx, e.namespace)

	container, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, e.notFoundOr(err, id, "loading container")
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, errdefs.Conflict("container_not_running", "container %s has no running task", id)
	}

	metric, err := task.Metrics(ctx)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindInternal, "stats_failed", "reading metrics for %s", id)
	}
	data, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindInternal, "stats_failed", "decoding metrics for %s", id)
	}

	now := time.Now()
	onlineCPUs := goruntime.NumCPU()
	// System CPU time approximated as wallclock across all online CPUs.
	systemNS := uint64(now.UnixNano()) * uint64(onlineCPUs)

	out := &types.ContainerStats{ContainerID: id, ReadAt: now}
	switch m := data.(type) {
	case *v1.Metrics:
		if m.CPU != nil && m.CPU.Usage != nil {
			out.CPUPercent = e.sampler.percent(id, m.CPU.Usage.Total, systemNS, onlineCPUs)
		}
		if m.Memory != nil && m.Memory.Usage != nil {
			out.MemoryBytes = m.Memory.Usage.Usage
			out.MemoryLimit = m.Memory.Usage.Limit
		}
		for _, iface := range m.Network {
			out.NetRxBytes += iface.RxBytes
			out.NetTxBytes += iface.TxBytes
		}
		if m.Blkio != nil {
			for _, entry := range m.Blkio.IoServiceBytesRecursive {
				switch entry.Op {
				case "Read":
					out.BlockRead += entry.Value
				case "Write":
					out.BlockWrite += entry.Value
				}
			}
		}
	case *v2.Metrics:
		if m.CPU != nil {
			out.CPUPercent = e.sampler.percent(id, m.CPU.UsageUsec*1000, systemNS, onlineCPUs)
		}
		if m.Memory != nil {
			out.MemoryBytes = m.Memory.Usage
			out.MemoryLimit = m.Memory.UsageLimit
		}
		if m.Io != nil {
			for _, entry := range m.Io.Usage {
				out.BlockRead += entry.Rbytes
				out.BlockWrite += entry.Wbytes
			}
		}
	default:
		return nil, errdefs.New(errdefs.KindInternal, "stats_failed", "unsupported metrics type %T", data)
	}

	return out, nil
}
