package coord

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/types"
)

// Lease values are stored as "<holder>|<generation>". The generation counter
// lives beside the lease key and survives lease expiry, so it increases
// monotonically across acquisitions.

var acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return {0, 0}
end
local gen = redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[1], ARGV[1] .. '|' .. gen, 'PX', ARGV[2])
return {1, gen}
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func leaseValue(holder string, generation int64) string {
	return fmt.Sprintf("%s|%d", holder, generation)
}

// AcquireLease attempts a set-if-absent on key with the given TTL. On
// success it returns the lease with its new generation; when the key is held
// it returns a conflict error.
func (c *Client) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (*types.Lease, error) {
	res, err := acquireScript.Run(ctx, c.rdb,
		[]string{c.key(key), c.key(key + ":gen")},
		holder, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, errdefs.Unavailable(err, "coord_unavailable", "acquiring lease %s", key)
	}
	if len(res) != 2 || res[0] != 1 {
		return nil, errdefs.Conflict("lease_held", "lease %s is held by another candidate", key)
	}
	return &types.Lease{
		Key:        key,
		Holder:     holder,
		Generation: res[1],
		ExpiresAt:  time.Now().Add(ttl),
	}, nil
}

// RenewLease extends the TTL iff the lease is still held by this exact
// holder and generation.
func (c *Client) RenewLease(ctx context.Context, lease *types.Lease, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, c.rdb,
		[]string{c.key(lease.Key)},
		leaseValue(lease.Holder, lease.Generation), ttl.Milliseconds()).Int64()
	if err != nil {
		return errdefs.Unavailable(err, "coord_unavailable", "renewing lease %s", lease.Key)
	}
	if n != 1 {
		return errdefs.Conflict("lease_lost", "lease %s is no longer held by %s", lease.Key, lease.Holder)
	}
	lease.ExpiresAt = time.Now().Add(ttl)
	return nil
}

// ReleaseLease deletes the lease iff still held by this exact holder and
// generation. Releasing a lost lease is not an error.
func (c *Client) ReleaseLease(ctx context.Context, lease *types.Lease) error {
	_, err := releaseScript.Run(ctx, c.rdb,
		[]string{c.key(lease.Key)},
		leaseValue(lease.Holder, lease.Generation)).Int64()
	if err != nil {
		return errdefs.Unavailable(err, "coord_unavailable", "releasing lease %s", lease.Key)
	}
	return nil
}

// GetLease inspects the current holder of key, or returns not_found when
// unheld.
func (c *Client) GetLease(ctx context.Context, key string) (*types.Lease, error) {
	pipe := c.rdb.Pipeline()
	getCmd := pipe.Get(ctx, c.key(key))
	ttlCmd := pipe.PTTL(ctx, c.key(key))
	_, err := pipe.Exec(ctx)
	if err == redis.Nil {
		return nil, errdefs.NotFound("lease_not_held", "lease %s is not held", key)
	}
	if err != nil {
		return nil, errdefs.Unavailable(err, "coord_unavailable", "inspecting lease %s", key)
	}

	value := getCmd.Val()
	sep := strings.LastIndexByte(value, '|')
	if sep < 0 {
		return nil, errdefs.Integrity("lease_corrupt", "lease %s has malformed value", key)
	}
	gen, err := strconv.ParseInt(value[sep+1:], 10, 64)
	if err != nil {
		return nil, errdefs.Integrity("lease_corrupt", "lease %s has malformed generation", key)
	}

	lease := &types.Lease{Key: key, Holder: value[:sep], Generation: gen}
	if ttl := ttlCmd.Val(); ttl > 0 {
		lease.ExpiresAt = time.Now().Add(ttl)
	}
	return lease, nil
}
