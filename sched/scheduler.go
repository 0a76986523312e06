// Package sched drives multi-rate polling for one connection: one
// ticker per poll group, overrun-safe, with change detection applied
// before observations reach the sink.
package sched

import (
	"context"
	"sync"
	"time"

	"fieldgate/detect"
	"fieldgate/driver"
	"fieldgate/logging"
)

// ReadFunc is the driver's batched read path. Implementations may shard
// large tag sets internally; failed reads come back with QualityBad.
type ReadFunc func(ctx context.Context, tags []driver.Tag) []driver.Observation

// group is the runtime state of one poll group.
type group struct {
	id     int64
	rate   time.Duration
	tags   []driver.Tag
	cancel context.CancelFunc
}

// Scheduler owns the poll tickers of a single connection. All mutation
// happens through Replace/RemoveTag/Stop, which the connection manager
// serializes against each other.
type Scheduler struct {
	connID string
	read   ReadFunc
	sink   chan<- driver.Observation

	mu     sync.Mutex
	groups map[int64]*group
	wg     sync.WaitGroup
	closed bool

	lastMu sync.Mutex
	last   map[int64]*detect.Last

	overrunMu sync.Mutex
	overruns  map[int64]uint64
}

// New creates a scheduler for connID. Observations that survive change
// detection are delivered to sink.
func New(connID string, read ReadFunc, sink chan<- driver.Observation) *Scheduler {
	return &Scheduler{
		connID:   connID,
		read:     read,
		sink:     sink,
		groups:   make(map[int64]*group),
		last:     make(map[int64]*detect.Last),
		overruns: make(map[int64]uint64),
	}
}

// Replace atomically swaps the subscription set: every ticker stops,
// the group map is exchanged, and tickers restart with an immediate
// seed read. New and removed tags take effect from that seed tick. An
// empty set stops all tickers but keeps the scheduler usable.
func (s *Scheduler) Replace(groups []driver.TagGroup) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for _, g := range s.groups {
		g.cancel()
	}
	s.groups = make(map[int64]*group)

	for _, tg := range groups {
		rate := tg.Group.Rate()
		if !tg.Group.Enabled || rate <= 0 || len(tg.Tags) == 0 {
			continue
		}
		tags := make([]driver.Tag, len(tg.Tags))
		copy(tags, tg.Tags)
		for i := range tags {
			tags[i].GroupRate = rate
		}
		ctx, cancel := context.WithCancel(context.Background())
		g := &group{id: tg.Group.ID, rate: rate, tags: tags, cancel: cancel}
		s.groups[g.id] = g
		s.wg.Add(1)
		go s.run(ctx, g)
	}
	s.mu.Unlock()
}

// Stop cancels all tickers and waits for in-flight reads to unwind.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	for _, g := range s.groups {
		g.cancel()
	}
	s.groups = make(map[int64]*group)
	s.mu.Unlock()
	s.wg.Wait()
}

// ActiveTagIDs reports every tag currently assigned to a ticker.
func (s *Scheduler) ActiveTagIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, g := range s.groups {
		for _, t := range g.tags {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// SnapshotTags returns the current tag set across all groups.
func (s *Scheduler) SnapshotTags() []driver.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []driver.Tag
	for _, g := range s.groups {
		out = append(out, g.tags...)
	}
	return out
}

// RemoveTag drops one tag from its group. The removal takes effect on
// the group's next tick.
func (s *Scheduler) RemoveTag(tagID int64) {
	s.mu.Lock()
	for _, g := range s.groups {
		for i, t := range g.tags {
			if t.ID == tagID {
				tags := make([]driver.Tag, 0, len(g.tags)-1)
				tags = append(tags, g.tags[:i]...)
				tags = append(tags, g.tags[i+1:]...)
				g.tags = tags
				break
			}
		}
	}
	s.mu.Unlock()

	s.lastMu.Lock()
	delete(s.last, tagID)
	s.lastMu.Unlock()
}

// Overruns returns the skipped-tick counter for a group.
func (s *Scheduler) Overruns(groupID int64) uint64 {
	s.overrunMu.Lock()
	defer s.overrunMu.Unlock()
	return s.overruns[groupID]
}

// run is the per-group ticker loop. The first read happens immediately
// to seed values; afterwards ticks that land while a read is still in
// flight are skipped, never queued.
func (s *Scheduler) run(ctx context.Context, g *group) {
	defer s.wg.Done()

	s.poll(ctx, g)

	ticker := time.NewTicker(g.rate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			s.poll(ctx, g)
			// A read that overran its period leaves a stale tick
			// buffered in the ticker. Drop it so the next read fires a
			// full period later instead of immediately. The ticker
			// coalesces missed ticks into that single buffered one, so
			// the skip count comes from the elapsed read time.
			select {
			case <-ticker.C:
				skipped := uint64(time.Since(start) / g.rate)
				if skipped == 0 {
					skipped = 1
				}
				s.noteOverruns(g.id, skipped)
			default:
			}
		}
	}
}

func (s *Scheduler) noteOverruns(groupID int64, n uint64) {
	s.overrunMu.Lock()
	s.overruns[groupID] += n
	total := s.overruns[groupID]
	s.overrunMu.Unlock()
	if total/100 > (total-n)/100 {
		logging.DebugLog("sched", "conn %s group %d: %d ticks skipped due to overruns", s.connID, groupID, total)
	}
}

// poll executes one read pass over the group's tag snapshot.
func (s *Scheduler) poll(ctx context.Context, g *group) {
	s.mu.Lock()
	tags := g.tags // snapshot; Replace installs fresh slices, never mutates in place
	s.mu.Unlock()
	if len(tags) == 0 {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, driver.ReadTimeout)
	obs := s.read(rctx, tags)
	cancel()
	if ctx.Err() != nil {
		// Disconnect mid-poll: drop everything from the aborted pass.
		return
	}

	policies := make(map[int64]detect.Policy, len(tags))
	for _, t := range tags {
		policies[t.ID] = t.Policy
	}

	for _, o := range obs {
		if _, ok := policies[o.TagID]; !ok {
			continue // tag removed between snapshot and result
		}
		if !s.offer(ctx, policies[o.TagID], o) {
			return
		}
	}
}

// offer runs change detection and forwards a surviving observation.
func (s *Scheduler) offer(ctx context.Context, p detect.Policy, o driver.Observation) bool {
	s.lastMu.Lock()
	prev := s.last[o.TagID]
	publish := detect.ShouldPublish(p, prev, o.Value, int(o.Quality), o.Timestamp)
	if publish {
		s.last[o.TagID] = &detect.Last{Value: o.Value, Quality: int(o.Quality), Timestamp: o.Timestamp}
	}
	s.lastMu.Unlock()

	if !publish {
		return true
	}
	select {
	case s.sink <- o:
		return true
	case <-ctx.Done():
		return false
	}
}
