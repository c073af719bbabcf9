/*
Package runtime wraps the containerd client behind the Engine interface and
provides the pieces that sit directly on top of it: resource stats sampling,
the framed stdio log codec, and the container health monitor.

# Engine

ContainerdEngine talks to a containerd daemon over its unix socket inside a
dedicated namespace. Every container it creates carries the burrow.managed
label, so List and cleanup only ever touch containers this orchestrator owns.

Created containers get a hardened OCI spec:

  - non-root user (uid/gid 1000), no-new-privileges, read-only root
    filesystem with a tmpfs workspace at /workspace
  - capabilities reduced to the file-ownership set (CHOWN, DAC_OVERRIDE,
    FOWNER, SETGID, SETUID)
  - memory, CFS CPU quota, pids, and open-file limits from the requested
    ResourceLimits
  - an isolated network namespace when one is assigned

Stop is graceful: SIGTERM, then SIGKILL after the timeout. Remove stops the
task if needed and deletes the container with its snapshot.

# Stats

Stats decodes task metrics for both cgroup v1 and v2 layouts. CPU percent is
a delta against the previous reading per container, scaled by online CPUs;
the first reading for a container reports zero. Samples are dropped when a
container is removed.

# Log frames

Container stdout and stderr multiplex into one log file as length-prefixed
frames: an 8-byte header (stream byte, 3 reserved bytes, big-endian uint32
chunk length) followed by the chunk. WriteFrame/ReadFrame implement the
codec, NewFrameWriters produces the paired io.Writers wired into the task's
stdio, and Demux splits a recorded stream back apart for log retrieval.

# Health monitoring

HealthMonitor probes running containers on an interval: task liveness and
exit detection via Inspect, responsiveness via a short exec, and memory
pressure via Stats against the container's limit. Outcomes persist per
container with a consecutive-failure count; three consecutive failures hand
the container to the Quarantiner.
*/
package runtime
