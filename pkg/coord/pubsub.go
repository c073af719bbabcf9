package coord

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/metrics"
	"github.com/burrowci/burrow/pkg/types"
)

// Channel names carried over the coordination store.
const (
	ChannelJobs       = "events:jobs"
	ChannelContainers = "events:containers"
	ChannelSecurity   = "events:security"
	ChannelAlerts     = "events:alerts"
	ChannelLeadership = "events:leadership"
)

// Publish sends an event on a channel. Events are fire-and-forget: pub/sub
// fans out without persistence.
func (c *Client) Publish(ctx context.Context, channel string, ev *types.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errdefs.Internal(err, "event_encode_failed", "encoding event for %s", channel)
	}
	if err := c.rdb.Publish(ctx, c.key(channel), payload).Err(); err != nil {
		return errdefs.Unavailable(err, "coord_unavailable", "publishing to %s", channel)
	}
	return nil
}

// Subscription delivers events from one or more channels over a buffered
// channel. When a consumer falls behind, events are dropped and counted.
type Subscription struct {
	C <-chan *types.Event

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// Close terminates the subscription and its receive loop.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Subscribe opens a subscription on the named channels with the given
// per-subscriber buffer.
func (c *Client) Subscribe(ctx context.Context, buffer int, channels ...string) *Subscription {
	if buffer <= 0 {
		buffer = 50
	}
	prefixed := make([]string, len(channels))
	for i, ch := range channels {
		prefixed[i] = c.key(ch)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan *types.Event, buffer)
	sub := &Subscription{C: out, cancel: cancel, done: make(chan struct{})}
	pubsub := c.rdb.Subscribe(ctx, prefixed...)
	logger := log.WithComponent("coord")

	go func() {
		defer close(sub.done)
		defer close(out)
		defer pubsub.Close()

		msgCh := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var ev types.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Err(logger.Warn(), err).Str("channel", msg.Channel).Msg("Discarding undecodable event")
					continue
				}
				select {
				case out <- &ev:
				default:
					// Consumer is behind; drop and count rather than block
					// the receive loop.
					metrics.EventsDropped.WithLabelValues(msg.Channel).Inc()
				}
			}
		}
	}()

	return sub
}
