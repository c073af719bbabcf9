package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/burrowci/burrow/pkg/coord"
	"github.com/burrowci/burrow/pkg/types"
)

// progressMinInterval throttles intermediate progress events. The final
// report always goes out.
const progressMinInterval = 500 * time.Millisecond

// Progress publishes incremental job progress to watchers over the
// coordination store. Updates closer together than the throttle interval
// are coalesced; Finish always publishes.
type Progress struct {
	coord *coord.Client
	jobID string

	mu      sync.Mutex
	last    time.Time
	percent int
	message string
}

// NewProgress creates a reporter for one job. A nil coordination client
// yields a no-op reporter, which processors may use unconditionally.
func NewProgress(c *coord.Client, jobID string) *Progress {
	return &Progress{coord: c, jobID: jobID}
}

// Update records progress and publishes it unless throttled.
func (p *Progress) Update(ctx context.Context, percent int, message string) {
	p.mu.Lock()
	p.percent = percent
	p.message = message
	if time.Since(p.last) < progressMinInterval {
		p.mu.Unlock()
		return
	}
	p.last = time.Now()
	p.mu.Unlock()

	p.publish(ctx, percent, message)
}

// Finish publishes the terminal progress state, bypassing the throttle.
func (p *Progress) Finish(ctx context.Context) {
	p.mu.Lock()
	percent, message := p.percent, p.message
	p.mu.Unlock()
	p.publish(ctx, percent, message)
}

func (p *Progress) publish(ctx context.Context, percent int, message string) {
	if p.coord == nil {
		return
	}
	_ = p.coord.Publish(ctx, coord.ChannelJobs, &types.Event{
		Type:    "job.progress",
		JobID:   p.jobID,
		Message: message,
		Data: map[string]string{
			"percent": fmt.Sprintf("%d", percent),
		},
	})
}
