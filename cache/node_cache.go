// Package cache implements the Redis-backed node cache shared between
// processes: the live peer API server list and small cross-restart
// bookkeeping values.
package cache

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	apiServersKey     = "api_servers"
	syncHeightKeyBase = "chains:sync_height:"
)

// NodeCache wraps the Redis connection of the node.
type NodeCache struct {
	rdb *redis.Client
}

// NewNodeCache connects to Redis and verifies the connection.
func NewNodeCache(ctx context.Context, addr string, db int) (*NodeCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "could not connect to redis")
	}
	return &NodeCache{rdb: rdb}, nil
}

// Close releases the Redis connection.
func (c *NodeCache) Close() error {
	return c.rdb.Close()
}

// Status reports Redis connectivity.
func (c *NodeCache) Status() error {
	return c.rdb.Ping(context.Background()).Err()
}

// AddApiServer records a peer API server learned from gossip.
func (c *NodeCache) AddApiServer(ctx context.Context, url string) error {
	return errors.Wrap(c.rdb.SAdd(ctx, apiServersKey, url).Err(), "could not add api server")
}

// RemoveApiServer drops a peer that stopped answering.
func (c *NodeCache) RemoveApiServer(ctx context.Context, url string) error {
	return errors.Wrap(c.rdb.SRem(ctx, apiServersKey, url).Err(), "could not remove api server")
}

// GetApiServers returns every known peer API server.
func (c *NodeCache) GetApiServers(ctx context.Context) ([]string, error) {
	servers, err := c.rdb.SMembers(ctx, apiServersKey).Result()
	return servers, errors.Wrap(err, "could not list api servers")
}

// RandomApiServers returns up to limit distinct peers, in random order,
// for content fetch fan-out.
func (c *NodeCache) RandomApiServers(ctx context.Context, limit int) ([]string, error) {
	servers, err := c.rdb.SRandMemberN(ctx, apiServersKey, int64(limit)).Result()
	return servers, errors.Wrap(err, "could not pick api servers")
}

// SetSyncHeight mirrors a chain sync height so operators can inspect it
// without a database session.
func (c *NodeCache) SetSyncHeight(ctx context.Context, chain string, height int64) error {
	err := c.rdb.Set(ctx, syncHeightKeyBase+chain, height, 0).Err()
	return errors.Wrap(err, "could not set sync height")
}

// GetSyncHeight returns the mirrored sync height, or -1 when unset.
func (c *NodeCache) GetSyncHeight(ctx context.Context, chain string) (int64, error) {
	value, err := c.rdb.Get(ctx, syncHeightKeyBase+chain).Result()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	if err != nil {
		return -1, errors.Wrap(err, "could not get sync height")
	}
	height, err := strconv.ParseInt(value, 10, 64)
	return height, errors.Wrap(err, "could not parse sync height")
}
