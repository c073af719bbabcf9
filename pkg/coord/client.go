package coord

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/errdefs"
)

// Client wraps the coordination store connection. All keys are namespaced
// under the configured prefix.
type Client struct {
	rdb       redis.UniversalClient
	prefix    string
	opTimeout time.Duration
}

// NewClient connects to redis, using the sentinel failover client when a
// master name is configured.
func NewClient(cfg config.CoordConfig) (*Client, error) {
	var rdb redis.UniversalClient
	if cfg.SentinelMaster != "" {
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.SentinelMaster,
			SentinelAddrs: cfg.Addrs,
			Password:      cfg.Password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.OpTimeout,
			WriteTimeout:  cfg.OpTimeout,
		})
	} else {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        cfg.Addrs,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.OpTimeout,
			WriteTimeout: cfg.OpTimeout,
		})
	}

	c := &Client{rdb: rdb, prefix: cfg.KeyPrefix, opTimeout: cfg.OpTimeout}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		rdb.Close()
		return nil, err
	}
	return c, nil
}

// NewClientFromRedis wraps an existing connection, for tests.
func NewClientFromRedis(rdb redis.UniversalClient, prefix string) *Client {
	return &Client{rdb: rdb, prefix: prefix, opTimeout: 3 * time.Second}
}

func (c *Client) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Ping probes the coordination store.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return errdefs.Unavailable(err, "coord_unavailable", "coordination store ping failed")
	}
	return nil
}

// SetNX sets key to value with a TTL only if absent. Used for scheduled-job
// idempotency across replicas.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.key(key), value, ttl).Result()
	if err != nil {
		return false, errdefs.Unavailable(err, "coord_unavailable", "SETNX %s failed", key)
	}
	return ok, nil
}

// Get returns the value at key, or a not_found error.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return "", errdefs.NotFound("key_not_found", "key %s not set", key)
	}
	if err != nil {
		return "", errdefs.Unavailable(err, "coord_unavailable", "GET %s failed", key)
	}
	return v, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
