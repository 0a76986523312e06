package store

import (
	"context"
	"errors"
	"testing"

	"fieldgate/config"
	"fieldgate/driver"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutConnection(config.ConnConfig{ID: "plc-1", Type: "s7", Enabled: true})
	m.PutConnection(config.ConnConfig{ID: "plc-2", Type: "eip", Enabled: false})
	m.PutTags("plc-1", []driver.Tag{
		{ID: 1, ConnID: "plc-1", Subscribed: true, Status: driver.TagActive, PollGroupID: 10},
		{ID: 2, ConnID: "plc-1", Subscribed: true, Status: driver.TagPendingDelete, PollGroupID: 10},
		{ID: 3, ConnID: "plc-1", Subscribed: false, Status: driver.TagActive, PollGroupID: 10},
	})
	m.PutGroup(driver.PollGroup{ID: 10, Name: "fast", RateMs: 250, Enabled: true})

	conns, err := m.EnabledConnections(ctx)
	if err != nil || len(conns) != 1 || conns[0].ID != "plc-1" {
		t.Fatalf("enabled connections %v, err %v", conns, err)
	}

	if _, err := m.Connection(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing connection error %v", err)
	}

	tags, err := m.TagsForConnection(ctx, "plc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 1 || tags[0].ID != 1 {
		t.Errorf("subscribable tags %v, want only tag 1", tags)
	}

	refs, err := m.SubscribedTagIDs(ctx)
	if err != nil || len(refs) != 1 || refs[0] != (TagRef{ConnID: "plc-1", TagID: 1}) {
		t.Errorf("subscribed refs %v, err %v", refs, err)
	}

	m.PutValue(CurrentValue{TagID: 1, Value: 42.0, Quality: driver.QualityGood})
	vals, err := m.CurrentValues(ctx, []int64{1, 2})
	if err != nil || len(vals) != 1 || vals[1].Value != 42.0 {
		t.Errorf("current values %v, err %v", vals, err)
	}
}

func TestMemoryTagsByID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutTags("plc-1", []driver.Tag{
		{ID: 1, ConnID: "plc-1", Path: "DB1.DBD0", Subscribed: true, Status: driver.TagActive},
		{ID: 2, ConnID: "plc-1", Path: "DB1.DBD4", Subscribed: false, Status: driver.TagActive},
		{ID: 3, ConnID: "plc-1", Path: "DB1.DBD8", Subscribed: true, Status: driver.TagDeleted},
	})

	// Unsubscribed tags stay addressable for writes; deleted ones do not.
	tags, err := m.TagsByID(ctx, "plc-1", []int64{1, 2, 3, 9})
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 2 {
		t.Fatalf("tags %v, want ids 1 and 2", tags)
	}
	if tags[0].ID != 1 || tags[0].Path != "DB1.DBD0" {
		t.Errorf("tag 1 = %+v", tags[0])
	}
	if tags[1].ID != 2 || tags[1].Path != "DB1.DBD4" {
		t.Errorf("tag 2 = %+v", tags[1])
	}

	if tags, _ := m.TagsByID(ctx, "ghost", []int64{1}); len(tags) != 0 {
		t.Errorf("unknown connection returned tags %v", tags)
	}
}

func TestGroupTags(t *testing.T) {
	groups := map[int64]driver.PollGroup{
		10: {ID: 10, RateMs: 250, Enabled: true},
		20: {ID: 20, RateMs: 1000, Enabled: false},
		30: {ID: 30, RateMs: 0, Enabled: true},
	}
	tags := []driver.Tag{
		{ID: 1, Subscribed: true, Status: driver.TagActive, PollGroupID: 10},
		{ID: 2, Subscribed: true, Status: driver.TagActive, PollGroupID: 10},
		{ID: 3, Subscribed: true, Status: driver.TagActive, PollGroupID: 20}, // disabled group
		{ID: 4, Subscribed: true, Status: driver.TagActive, PollGroupID: 30}, // zero rate
		{ID: 5, Subscribed: true, Status: driver.TagActive, PollGroupID: 99}, // unknown group
		{ID: 6, Subscribed: true, Status: driver.TagDeleting, PollGroupID: 10},
	}

	out := GroupTags(tags, groups)
	if len(out) != 1 {
		t.Fatalf("grouped into %d groups, want 1", len(out))
	}
	if out[0].Group.ID != 10 || len(out[0].Tags) != 2 {
		t.Errorf("group %+v", out[0])
	}
}
