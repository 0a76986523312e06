// Package reconcile runs the background loop that keeps every driver's
// active tag set a subset of the canonical subscribed set in the
// metadata store. Drift happens when tag deletions race a subscription
// reload; the reconciler forces the removal within one window.
package reconcile

import (
	"context"
	"time"

	"fieldgate/driver"
	"fieldgate/logging"
	"fieldgate/store"
)

const (
	// DefaultInterval is the reconcile period when the service config
	// does not set one.
	DefaultInterval = 60 * time.Second

	// maxWake bounds the timer so interval changes and shutdown are
	// noticed promptly even under long configured periods.
	maxWake = 30 * time.Second

	minInterval = time.Second
)

// ConnSet exposes the live connections. The connection manager
// satisfies it.
type ConnSet interface {
	Each(fn func(connID string, drv driver.Driver))
}

// Reconciler periodically diffs driver state against the store.
type Reconciler struct {
	store    store.Store
	conns    ConnSet
	interval time.Duration
}

func New(st store.Store, conns ConnSet, interval time.Duration) *Reconciler {
	if interval < minInterval {
		interval = DefaultInterval
	}
	return &Reconciler{store: st, conns: conns, interval: interval}
}

// Run loops until ctx is cancelled. Each pass is best-effort; store
// failures log and the pass is skipped.
func (r *Reconciler) Run(ctx context.Context) {
	next := time.Now().Add(r.interval)
	for {
		wake := time.Until(next)
		if wake > maxWake {
			wake = maxWake
		}
		timer := time.NewTimer(wake)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if time.Now().Before(next) {
			continue
		}
		r.Pass(ctx)
		next = time.Now().Add(r.interval)
	}
}

// Pass executes one reconciliation sweep: every id a driver is actively
// polling that is absent from the canonical subscribed set is removed.
func (r *Reconciler) Pass(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, driver.ReadTimeout)
	refs, err := r.store.SubscribedTagIDs(sctx)
	cancel()
	if err != nil {
		logging.DebugError("reconcile", "canonical tag set fetch", err)
		return
	}

	canonical := make(map[string]map[int64]bool, 16)
	for _, ref := range refs {
		set := canonical[ref.ConnID]
		if set == nil {
			set = make(map[int64]bool)
			canonical[ref.ConnID] = set
		}
		set[ref.TagID] = true
	}

	r.conns.Each(func(connID string, drv driver.Driver) {
		want := canonical[connID]
		removed := 0
		for _, id := range drv.ListActiveTagIDs() {
			if !want[id] {
				drv.RemoveTag(id)
				removed++
			}
		}
		if removed > 0 {
			logging.DebugLog("reconcile", "conn %s: removed %d stale tags", connID, removed)
		}
	})
}
