// Package store reads the metadata database: connection definitions,
// tags, poll groups, and last known values. The core never writes the
// metadata; it is owned by the provisioning service.
package store

import (
	"context"
	"errors"
	"time"

	"fieldgate/config"
	"fieldgate/driver"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// CurrentValue is the last persisted value of one tag.
type CurrentValue struct {
	TagID   int64
	Value   interface{}
	Quality driver.Quality
	TS      time.Time
}

// TagRef identifies one tag within its connection, used for
// reconciliation against driver state.
type TagRef struct {
	ConnID string
	TagID  int64
}

// Store is the read surface of the metadata database.
type Store interface {
	// EnabledConnections returns every connection with enabled=true.
	EnabledConnections(ctx context.Context) ([]config.ConnConfig, error)

	// Connection returns one connection by id, ErrNotFound if absent.
	Connection(ctx context.Context, id string) (config.ConnConfig, error)

	// TagsForConnection returns the subscribable tags of a connection:
	// status active and subscribed set. Tags in pending_delete or
	// deleting states are excluded.
	TagsForConnection(ctx context.Context, connID string) ([]driver.Tag, error)

	// TagsByID returns the named tags of one connection regardless of
	// subscription state, for write-path address resolution. Deleted
	// tags are excluded; other missing ids are simply absent.
	TagsByID(ctx context.Context, connID string, tagIDs []int64) ([]driver.Tag, error)

	// PollGroups returns all poll groups keyed by id.
	PollGroups(ctx context.Context) (map[int64]driver.PollGroup, error)

	// SubscribedTagIDs returns the canonical subscribed (conn, tag)
	// set across all connections, for the reconciler.
	SubscribedTagIDs(ctx context.Context) ([]TagRef, error)

	// CurrentValues returns the last persisted values of the given
	// tags; missing tags are simply absent from the result.
	CurrentValues(ctx context.Context, tagIDs []int64) (map[int64]CurrentValue, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// GroupTags joins tags to their poll groups the way drivers consume
// them: one TagGroup per enabled group that has tags, ungrouped or
// disabled-group tags dropped.
func GroupTags(tags []driver.Tag, groups map[int64]driver.PollGroup) []driver.TagGroup {
	byGroup := make(map[int64][]driver.Tag)
	for _, t := range tags {
		if !t.Active() {
			continue
		}
		byGroup[t.PollGroupID] = append(byGroup[t.PollGroupID], t)
	}
	out := make([]driver.TagGroup, 0, len(byGroup))
	for gid, ts := range byGroup {
		g, ok := groups[gid]
		if !ok || !g.Enabled || g.RateMs <= 0 {
			continue
		}
		out = append(out, driver.TagGroup{Group: g, Tags: ts})
	}
	return out
}
