// Package valkey mirrors the latest observation per tag into a
// Valkey/Redis hash, one hash per connection. The cache is optional;
// a nil *Cache is a no-op so callers never branch on configuration.
package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldgate/config"
	"fieldgate/driver"
	"fieldgate/logging"
)

const (
	dialTimeout  = 3 * time.Second
	opTimeout    = 2 * time.Second
	defaultSpace = "default"
)

// Entry is the cached record of one tag.
type Entry struct {
	Value   interface{}    `json:"v"`
	Quality driver.Quality `json:"q"`
	TS      string         `json:"ts"`
}

// Cache is the last-value mirror.
type Cache struct {
	client    *redis.Client
	namespace string
}

// Open connects to the cache. A disabled config returns (nil, nil) and
// every method on the nil receiver is a no-op.
func Open(cfg config.ValkeyConfig, namespace string) (*Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if namespace == "" {
		namespace = defaultSpace
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey: connect %s: %w", cfg.Addr, err)
	}
	logging.DebugLog("valkey", "connected to %s db %d", cfg.Addr, cfg.DB)
	return &Cache{client: client, namespace: namespace}, nil
}

// key builds fieldgate:<ns>:last:<conn>.
func (c *Cache) key(connID string) string {
	return strings.Join([]string{"fieldgate", c.namespace, "last", connID}, ":")
}

// field keys a tag inside the hash; path-addressed observations use
// their path.
func field(o driver.Observation) string {
	if o.TagID != 0 {
		return strconv.FormatInt(o.TagID, 10)
	}
	return o.TagPath
}

// Put stores one observation. Errors are returned for the caller's
// error counter but never interrupt the telemetry path.
func (c *Cache) Put(ctx context.Context, o driver.Observation) error {
	if c == nil {
		return nil
	}
	f := field(o)
	if f == "" {
		return nil
	}
	raw, err := json.Marshal(Entry{
		Value:   o.Value,
		Quality: o.Quality,
		TS:      o.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.client.HSet(ctx, c.key(o.ConnID), f, raw).Err()
}

// Last returns every cached entry of one connection keyed by hash
// field.
func (c *Cache) Last(ctx context.Context, connID string) (map[string]Entry, error) {
	if c == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	raw, err := c.client.HGetAll(ctx, c.key(connID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(raw))
	for f, v := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		out[f] = e
	}
	return out, nil
}

// DeleteConn drops a connection's hash after the connection is
// deleted.
func (c *Cache) DeleteConn(ctx context.Context, connID string) error {
	if c == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.client.Del(ctx, c.key(connID)).Err()
}

// RemoveTag drops a single hash field when a tag is removed.
func (c *Cache) RemoveTag(ctx context.Context, connID string, tagID int64) error {
	if c == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.client.HDel(ctx, c.key(connID), strconv.FormatInt(tagID, 10)).Err()
}

// Healthy pings the cache.
func (c *Cache) Healthy(ctx context.Context) bool {
	if c == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err() == nil
}

// Close releases the client. Safe on nil.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
