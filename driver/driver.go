// Package driver defines the uniform capability contract implemented by
// every protocol driver, plus the error taxonomy and reconnect policy
// shared between them.
package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fieldgate/config"
)

// Default deadlines for outbound protocol calls.
const (
	ConnectTimeout  = 30 * time.Second
	ReadTimeout     = 5 * time.Second
	WriteTimeout    = 5 * time.Second
	BrowseTimeout   = 10 * time.Second
	SnapshotTimeout = 30 * time.Second
)

// Driver is the uniform contract every protocol implementation exposes.
// A connection exclusively owns its driver instance; configuration
// mutations against one driver are serialized by the connection manager.
type Driver interface {
	// Connect establishes the protocol session. The context carries the
	// connect deadline.
	Connect(ctx context.Context) error

	// Close tears the session down, releasing all poll tickers and
	// sockets. Idempotent.
	Close() error

	IsConnected() bool
	Kind() config.ConnKind

	// ApplyTagSubscriptions replaces the active subscription set,
	// grouped by poll group. The swap is transactional from the
	// driver's perspective: tickers stop, the group map is exchanged,
	// tickers restart with an immediate seed read.
	ApplyTagSubscriptions(groups []TagGroup) error

	// ReadOne performs a one-shot read of the given tags. Failed reads
	// yield observations with QualityBad rather than an error.
	ReadOne(ctx context.Context, tagIDs []int64) []Observation

	// Write applies a batch of writes, returning a per-request outcome.
	Write(ctx context.Context, reqs []WriteRequest) []WriteResult

	// Browse lists the protocol namespace under node ("" for root).
	// Drivers without a namespace return ErrBrowseUnsupported.
	Browse(ctx context.Context, node string) ([]BrowseItem, error)

	// Observations returns the driver's emission channel. Single
	// consumer; the emitter owns the read side.
	Observations() <-chan Observation

	// ListActiveTagIDs reports the tags the driver is actively polling,
	// for reconciliation.
	ListActiveTagIDs() []int64

	// RemoveTag drops one tag from the active set without a full
	// subscription reload.
	RemoveTag(tagID int64)
}

// Factory builds a driver for one connection definition.
type Factory func(cfg *config.ConnConfig) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = map[config.ConnKind]Factory{}
)

// Register installs a driver factory for a connection kind. Protocol
// packages register themselves during wiring.
func Register(kind config.ConnKind, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

// Create builds a driver for the connection. The session is not
// established until Connect is called.
func Create(cfg *config.ConnConfig) (Driver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	kind, ok := cfg.Kind()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Type)
	}
	registryMu.RLock()
	f := registry[kind]
	registryMu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return f(cfg)
}

// RegisteredKinds lists the kinds with installed factories, sorted.
func RegisteredKinds() []config.ConnKind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]config.ConnKind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
