package pool

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/burrowci/burrow/pkg/coord"
	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/metrics"
	"github.com/burrowci/burrow/pkg/types"
)

// The pool manager is the security evaluator's responder: containment
// actions land here because the pool owns container state transitions.

// Quarantine flags the container and drops it from the allocatable set.
// Quarantine is an internal state change plus network isolation; the engine
// never learns about it through labels. The container is torn down on the
// next eviction pass (or at release if currently allocated).
func (m *Manager) Quarantine(ctx context.Context, containerID, reason string) error {
	errCh := make(chan error, 1)
	m.post(func() {
		e, ok := m.entries[containerID]
		if !ok {
			errCh <- m.quarantineUnpooled(ctx, containerID)
			return
		}
		e.c.State = types.ContainerStateQuarantined
		e.c.NetworkNamespace = ""
		m.persist(e.c)
		metrics.ContainersQuarantined.Inc()
		m.publish("container.quarantined", containerID, reason)
		m.logger.Warn().Str("container_id", containerID).Str("reason", reason).Msg("Container quarantined")
		errCh <- nil
	})
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// quarantineUnpooled handles containers the pool does not track, such as
// ones observed during reconciliation after a restart.
func (m *Manager) quarantineUnpooled(ctx context.Context, containerID string) error {
	c, err := m.store.GetContainer(ctx, containerID)
	if err != nil {
		return err
	}
	c.State = types.ContainerStateQuarantined
	c.NetworkNamespace = ""
	if err := m.store.UpdateContainer(ctx, c); err != nil {
		return err
	}
	metrics.ContainersQuarantined.Inc()
	m.publish("container.quarantined", containerID, "")
	return nil
}

// Isolate detaches the container from its network namespace but keeps it
// allocatable for forensics-friendly workflows.
func (m *Manager) Isolate(ctx context.Context, containerID string) error {
	errCh := make(chan error, 1)
	m.post(func() {
		e, ok := m.entries[containerID]
		if !ok {
			errCh <- errdefs.NotFound("container_not_found", "container %s not pooled", containerID)
			return
		}
		e.c.NetworkNamespace = ""
		m.persist(e.c)
		m.publish("container.isolated", containerID, "")
		errCh <- nil
	})
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate stops and removes the container immediately.
func (m *Manager) Terminate(ctx context.Context, containerID string) error {
	errCh := make(chan error, 1)
	m.post(func() {
		e, ok := m.entries[containerID]
		if !ok {
			errCh <- errdefs.NotFound("container_not_found", "container %s not pooled", containerID)
			return
		}
		e.c.State = types.ContainerStateStopped
		m.removeEntry(e)
		errCh <- nil
	})
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestScan publishes a scan request on the security channel; scanners
// run out of process and post results through the API.
func (m *Manager) RequestScan(ctx context.Context, containerID string, scanType types.ScanType) error {
	if m.coord == nil {
		m.logger.Debug().Str("container_id", containerID).Str("scan", string(scanType)).Msg("No coordinator, scan request dropped")
		return nil
	}
	ev := &types.Event{
		Type:      "security.scan_requested",
		Timestamp: time.Now().UTC(),
		Container: containerID,
		Data:      map[string]string{"scan_type": string(scanType)},
	}
	return m.coord.Publish(ctx, coord.ChannelSecurity, ev)
}

// RaiseAlert persists an operator alert and fans it out.
func (m *Manager) RaiseAlert(ctx context.Context, severity types.Severity, source, message string) error {
	alert := &types.Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Source:    source,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.InsertAlert(ctx, alert); err != nil {
		return err
	}
	if m.coord != nil {
		ev := &types.Event{
			Type:      "alert.raised",
			Timestamp: alert.CreatedAt,
			Message:   message,
			Data:      map[string]string{"severity": string(severity), "source": source},
		}
		if err := m.coord.Publish(ctx, coord.ChannelAlerts, ev); err != nil {
			log.Err(m.logger.Warn(), err).Msg("Failed to publish alert event")
		}
	}
	return nil
}

// Patch marks the container for recycling: it finishes its current job, then
// gets removed at release so the next allocation starts from a fresh image.
func (m *Manager) Patch(ctx context.Context, containerID, ruleID string) error {
	errCh := make(chan error, 1)
	m.post(func() {
		e, ok := m.entries[containerID]
		if !ok {
			errCh <- errdefs.NotFound("container_not_found", "container %s not pooled", containerID)
			return
		}
		e.recycle = true
		if !e.allocated {
			m.removeEntry(e)
		}
		m.publish("container.patch_scheduled", containerID, ruleID)
		errCh <- nil
	})
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
