package eip

import (
	"fmt"
	"sync"
	"time"
)

const (
	// snapshotTTL is how long an unused tag-list snapshot survives.
	snapshotTTL = 5 * time.Minute

	// snapshotHeartbeatExtend is the TTL extension a heartbeat grants.
	snapshotHeartbeatExtend = 5 * time.Minute

	snapshotMaxPageSize = 500
)

// Snapshot is a browse result held in memory so clients can page
// through large tag tables without re-walking the controller.
type Snapshot struct {
	ID        string    `json:"id"`
	ConnID    string    `json:"connection_id"`
	Tags      []TagInfo `json:"-"`
	Total     int       `json:"total"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SnapshotStore owns live snapshots keyed by id. Expiry is checked
// lazily on access and swept on each Create.
type SnapshotStore struct {
	mu    sync.Mutex
	seq   int64
	snaps map[string]*Snapshot
	now   func() time.Time
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		snaps: make(map[string]*Snapshot),
		now:   time.Now,
	}
}

// Create registers a snapshot and returns its handle.
func (s *SnapshotStore) Create(connID string, tags []TagInfo) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	s.seq++
	now := s.now()
	snap := &Snapshot{
		ID:        fmt.Sprintf("%s-%d-%d", connID, now.UnixMilli(), s.seq),
		ConnID:    connID,
		Tags:      tags,
		Total:     len(tags),
		CreatedAt: now,
		ExpiresAt: now.Add(snapshotTTL),
	}
	s.snaps[snap.ID] = snap
	return snap
}

// Page returns one page of a snapshot's tags. offset past the end
// yields an empty page, not an error.
func (s *SnapshotStore) Page(id string, offset, limit int) ([]TagInfo, int, error) {
	if limit <= 0 || limit > snapshotMaxPageSize {
		limit = snapshotMaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.getLocked(id)
	if err != nil {
		return nil, 0, err
	}

	if offset >= len(snap.Tags) {
		return []TagInfo{}, snap.Total, nil
	}
	end := offset + limit
	if end > len(snap.Tags) {
		end = len(snap.Tags)
	}
	return snap.Tags[offset:end], snap.Total, nil
}

// Heartbeat extends a snapshot's lifetime.
func (s *SnapshotStore) Heartbeat(id string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.getLocked(id)
	if err != nil {
		return time.Time{}, err
	}
	snap.ExpiresAt = s.now().Add(snapshotHeartbeatExtend)
	return snap.ExpiresAt, nil
}

// Delete drops a snapshot. Deleting an unknown id is a no-op.
func (s *SnapshotStore) Delete(id string) {
	s.mu.Lock()
	delete(s.snaps, id)
	s.mu.Unlock()
}

// DeleteConn drops every snapshot belonging to a connection.
func (s *SnapshotStore) DeleteConn(connID string) {
	s.mu.Lock()
	for id, snap := range s.snaps {
		if snap.ConnID == connID {
			delete(s.snaps, id)
		}
	}
	s.mu.Unlock()
}

func (s *SnapshotStore) getLocked(id string) (*Snapshot, error) {
	snap, ok := s.snaps[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %s not found", id)
	}
	if s.now().After(snap.ExpiresAt) {
		delete(s.snaps, id)
		return nil, fmt.Errorf("snapshot %s expired", id)
	}
	return snap, nil
}

func (s *SnapshotStore) sweepLocked() {
	now := s.now()
	for id, snap := range s.snaps {
		if now.After(snap.ExpiresAt) {
			delete(s.snaps, id)
		}
	}
}
