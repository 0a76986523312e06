package store

import (
	"context"
	"sync"

	"fieldgate/config"
	"fieldgate/driver"
)

// Memory is an in-memory Store for tests and bench rigs.
type Memory struct {
	mu      sync.RWMutex
	conns   map[string]config.ConnConfig
	tags    map[string][]driver.Tag // conn id -> tags
	groups  map[int64]driver.PollGroup
	values  map[int64]CurrentValue
	pingErr error
}

func NewMemory() *Memory {
	return &Memory{
		conns:  make(map[string]config.ConnConfig),
		tags:   make(map[string][]driver.Tag),
		groups: make(map[int64]driver.PollGroup),
		values: make(map[int64]CurrentValue),
	}
}

// PutConnection installs or replaces a connection definition.
func (m *Memory) PutConnection(c config.ConnConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.ID] = c
}

// DeleteConnection removes a connection and its tags.
func (m *Memory) DeleteConnection(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, id)
	delete(m.tags, id)
}

// PutTags replaces the tag set of one connection.
func (m *Memory) PutTags(connID string, tags []driver.Tag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[connID] = append([]driver.Tag(nil), tags...)
}

// PutGroup installs a poll group.
func (m *Memory) PutGroup(g driver.PollGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = g
}

// PutValue installs a current value.
func (m *Memory) PutValue(cv CurrentValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[cv.TagID] = cv
}

// SetPingErr makes Ping fail, to exercise health degradation.
func (m *Memory) SetPingErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

func (m *Memory) EnabledConnections(ctx context.Context) ([]config.ConnConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []config.ConnConfig
	for _, c := range m.conns {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) Connection(ctx context.Context, id string) (config.ConnConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return config.ConnConfig{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) TagsForConnection(ctx context.Context, connID string) ([]driver.Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []driver.Tag
	for _, t := range m.tags[connID] {
		if t.Subscribed && (t.Status == "" || t.Status == driver.TagActive) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) TagsByID(ctx context.Context, connID string, tagIDs []int64) ([]driver.Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[int64]bool, len(tagIDs))
	for _, id := range tagIDs {
		want[id] = true
	}
	var out []driver.Tag
	for _, t := range m.tags[connID] {
		if want[t.ID] && t.Status != driver.TagDeleted {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) PollGroups(ctx context.Context) (map[int64]driver.PollGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]driver.PollGroup, len(m.groups))
	for id, g := range m.groups {
		out[id] = g
	}
	return out, nil
}

func (m *Memory) SubscribedTagIDs(ctx context.Context) ([]TagRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TagRef
	for connID, tags := range m.tags {
		c, ok := m.conns[connID]
		if !ok || !c.Enabled {
			continue
		}
		for _, t := range tags {
			if t.Subscribed && (t.Status == "" || t.Status == driver.TagActive) {
				out = append(out, TagRef{ConnID: connID, TagID: t.ID})
			}
		}
	}
	return out, nil
}

func (m *Memory) CurrentValues(ctx context.Context, tagIDs []int64) (map[int64]CurrentValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]CurrentValue)
	for _, id := range tagIDs {
		if cv, ok := m.values[id]; ok {
			out[id] = cv
		}
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingErr
}
