package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"fieldgate/config"
	"fieldgate/driver"
	"fieldgate/store"
)

// stubDriver carries only the reconciliation surface.
type stubDriver struct {
	driver.Driver

	mu      sync.Mutex
	active  []int64
	removed []int64
}

func (d *stubDriver) ListActiveTagIDs() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.active...)
}

func (d *stubDriver) RemoveTag(id int64) {
	d.mu.Lock()
	d.removed = append(d.removed, id)
	for i, a := range d.active {
		if a == id {
			d.active = append(d.active[:i], d.active[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
}

type stubConns struct {
	drivers map[string]*stubDriver
}

func (s *stubConns) Each(fn func(string, driver.Driver)) {
	for id, d := range s.drivers {
		fn(id, d)
	}
}

func seededStore(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	m.PutConnection(config.ConnConfig{ID: "plc1", Type: "s7", Enabled: true})
	m.PutGroup(driver.PollGroup{ID: 1, RateMs: 100, Enabled: true})
	m.PutTags("plc1", []driver.Tag{
		{ID: 41, ConnID: "plc1", PollGroupID: 1, Subscribed: true, Status: driver.TagActive},
		{ID: 43, ConnID: "plc1", PollGroupID: 1, Subscribed: true, Status: driver.TagActive},
	})
	return m
}

func TestPassRemovesStaleTags(t *testing.T) {
	st := seededStore(t)
	d := &stubDriver{active: []int64{41, 42, 43}}
	conns := &stubConns{drivers: map[string]*stubDriver{"plc1": d}}

	New(st, conns, time.Minute).Pass(context.Background())

	if got := d.removed; len(got) != 1 || got[0] != 42 {
		t.Fatalf("removed = %v, want [42]", got)
	}
	if got := d.ListActiveTagIDs(); len(got) != 2 {
		t.Fatalf("active after pass = %v", got)
	}
}

func TestPassIsIdempotent(t *testing.T) {
	st := seededStore(t)
	d := &stubDriver{active: []int64{41, 42, 43}}
	conns := &stubConns{drivers: map[string]*stubDriver{"plc1": d}}
	r := New(st, conns, time.Minute)

	r.Pass(context.Background())
	r.Pass(context.Background())

	if got := d.removed; len(got) != 1 {
		t.Fatalf("removed = %v, want a single removal", got)
	}
}

func TestUnknownConnectionLosesAllTags(t *testing.T) {
	st := seededStore(t)
	conns := &stubConns{drivers: map[string]*stubDriver{}}
	unknown := &stubDriver{active: []int64{7}}
	conns.drivers["ghost"] = unknown

	New(st, conns, time.Minute).Pass(context.Background())

	if got := unknown.removed; len(got) != 1 || got[0] != 7 {
		t.Fatalf("unknown conn removed = %v, want [7]", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	st := seededStore(t)
	conns := &stubConns{drivers: map[string]*stubDriver{}}
	r := New(st, conns, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestIntervalFloor(t *testing.T) {
	r := New(store.NewMemory(), &stubConns{}, 10*time.Millisecond)
	if r.interval != DefaultInterval {
		t.Fatalf("interval = %v, want default for sub-second input", r.interval)
	}
}
