package eip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fieldgate/config"
	"fieldgate/driver"
	"fieldgate/logging"
	"fieldgate/sched"
)

const obsBuffer = 256

// Driver implements the EtherNet/IP polling driver for tag-name
// addressed controllers.
type Driver struct {
	cfg *config.ConnConfig

	mu      sync.Mutex
	client  *Client
	closing bool

	tuningMu sync.RWMutex
	tuning   config.EIPTuning

	obs       chan driver.Observation
	scheduler *sched.Scheduler
	snaps     *SnapshotStore

	// deferred holds tag ids pushed past the shard budget last tick;
	// they go to the front of the next batch so a tight budget rotates
	// through the tag set instead of starving the tail.
	deferredMu sync.Mutex
	deferred   map[int64]bool

	// typeCache maps tag path to the controller's type code, learned
	// from reads and used to encode writes.
	typeMu    sync.RWMutex
	typeCache map[string]uint16

	throttle *driver.ErrorThrottle

	reconnectOnce sync.Once
	done          chan struct{}
}

func New(cfg *config.ConnConfig) (driver.Driver, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("eip %s: host is required", cfg.ID)
	}
	tuning := cfg.EIP
	if tuning == (config.EIPTuning{}) {
		tuning = config.DefaultEIPTuning()
	}
	d := &Driver{
		cfg:       cfg,
		tuning:    tuning,
		obs:       make(chan driver.Observation, obsBuffer),
		snaps:     NewSnapshotStore(),
		deferred:  make(map[int64]bool),
		typeCache: make(map[string]uint16),
		throttle:  driver.NewErrorThrottle(0),
		done:      make(chan struct{}),
	}
	d.tuning.Clamp()
	d.scheduler = sched.New(cfg.ID, d.readTags, d.obs)
	return d, nil
}

// Register installs the factory in the driver registry.
func Register() {
	driver.Register(config.KindEIP, New)
}

func (d *Driver) addr() string {
	if d.cfg.Port > 0 {
		return d.cfg.Address()
	}
	return fmt.Sprintf("%s:%d", d.cfg.Host, DefaultPort)
}

func (d *Driver) Connect(ctx context.Context) error {
	timeout := driver.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	client := NewClient(d.addr(), timeout)
	if err := client.Connect(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		client.Close()
		return driver.ErrClosing
	}
	old := d.client
	d.client = client
	d.mu.Unlock()
	if old != nil {
		old.Close()
	}

	d.reconnectOnce.Do(func() { go d.reconnectLoop() })
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	client := d.client
	d.client = nil
	close(d.done)
	d.mu.Unlock()

	d.scheduler.Stop()
	if client != nil {
		client.Close()
	}
	return nil
}

func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	return client.IsConnected()
}

func (d *Driver) Kind() config.ConnKind { return config.KindEIP }

// SetTuning applies live batching parameters from a configuration
// change, bounded to sane ranges.
func (d *Driver) SetTuning(t config.EIPTuning) {
	t.Clamp()
	d.tuningMu.Lock()
	d.tuning = t
	d.tuningMu.Unlock()
	logging.DebugLog("eip", "conn %s: tuning now tags=%d bytes=%d budget=%.2f min=%d",
		d.cfg.ID, t.MaxTagsPerRequest, t.MaxBytesPerRequest, t.ShardBudget, t.MinShardsPerTick)
}

func (d *Driver) Tuning() config.EIPTuning {
	d.tuningMu.RLock()
	defer d.tuningMu.RUnlock()
	return d.tuning
}

// Snapshots exposes the tag-list snapshot store for discovery RPCs.
func (d *Driver) Snapshots() *SnapshotStore { return d.snaps }

func (d *Driver) ApplyTagSubscriptions(groups []driver.TagGroup) error {
	d.scheduler.Replace(groups)
	return nil
}

// readTags is the scheduler's batched read path. The batch is split
// into multi-service shards per the live tuning; tags past the shard
// budget are deferred and take the front of the next tick's batch.
func (d *Driver) readTags(ctx context.Context, tags []driver.Tag) []driver.Observation {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	ordered := d.rotateDeferred(tags)
	shards, deferred := planShards(ordered, d.batchRate(tags), d.Tuning())
	d.noteDeferred(deferred)

	out := make([]driver.Observation, 0, len(tags))
	for i, shard := range shards {
		if ctx.Err() != nil {
			return out
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return out
			case <-time.After(shardPace):
			}
		}
		out = append(out, d.readShard(client, shard)...)
	}
	return out
}

// batchRate recovers the poll period for shard budgeting. Scheduler
// batches carry tags of one group; the group rate is on the tag.
func (d *Driver) batchRate(tags []driver.Tag) time.Duration {
	if len(tags) == 0 {
		return 0
	}
	return tags[0].GroupRate
}

func (d *Driver) rotateDeferred(tags []driver.Tag) []driver.Tag {
	d.deferredMu.Lock()
	defer d.deferredMu.Unlock()
	if len(d.deferred) == 0 {
		return tags
	}
	front := make([]driver.Tag, 0, len(tags))
	back := make([]driver.Tag, 0, len(tags))
	for _, t := range tags {
		if d.deferred[t.ID] {
			front = append(front, t)
		} else {
			back = append(back, t)
		}
	}
	d.deferred = make(map[int64]bool)
	return append(front, back...)
}

func (d *Driver) noteDeferred(tags []driver.Tag) {
	if len(tags) == 0 {
		return
	}
	d.deferredMu.Lock()
	for _, t := range tags {
		d.deferred[t.ID] = true
	}
	d.deferredMu.Unlock()
}

// readShard issues one Multiple Service Packet for the shard. On a
// transport failure every tag in the shard reports bad quality.
func (d *Driver) readShard(client *Client, shard []driver.Tag) []driver.Observation {
	now := time.Now().UTC()
	out := make([]driver.Observation, 0, len(shard))
	bad := func() []driver.Observation {
		for _, t := range shard {
			out = append(out, driver.Observation{
				ConnID: t.ConnID, TagID: t.ID, Timestamp: now, Quality: driver.QualityBad,
			})
		}
		return out
	}

	if client == nil || !client.IsConnected() {
		return bad()
	}

	reqs := make([][]byte, 0, len(shard))
	for _, t := range shard {
		req, err := buildRead(t.Path, 1)
		if err != nil {
			if d.throttle.Allow(t.ID) {
				logging.DebugError("eip", fmt.Sprintf("tag %d path %q", t.ID, t.Path), err)
			}
			req = nil
		}
		reqs = append(reqs, req)
	}

	// Single-tag shards skip the multi-service wrapper.
	if len(shard) == 1 {
		if reqs[0] == nil {
			return bad()
		}
		raw, err := client.Transact(reqs[0])
		if err != nil {
			d.shardError(shard, err)
			return bad()
		}
		resp, err := parseCIPResponse(raw)
		if err != nil {
			d.shardError(shard, err)
			return bad()
		}
		return append(out, d.observe(shard[0], resp, now))
	}

	valid := make([][]byte, 0, len(reqs))
	validTags := make([]driver.Tag, 0, len(shard))
	for i, req := range reqs {
		if req != nil {
			valid = append(valid, req)
			validTags = append(validTags, shard[i])
		} else {
			out = append(out, driver.Observation{
				ConnID: shard[i].ConnID, TagID: shard[i].ID, Timestamp: now, Quality: driver.QualityBad,
			})
		}
	}
	if len(valid) == 0 {
		return out
	}

	packet, err := buildMultiService(valid)
	if err != nil {
		d.shardError(shard, err)
		return bad()
	}
	raw, err := client.Transact(packet)
	if err != nil {
		d.shardError(shard, err)
		return bad()
	}
	outer, err := parseCIPResponse(raw)
	if err != nil || outer.err("multi-service") != nil {
		d.shardError(shard, err)
		return bad()
	}
	inner, err := parseMultiService(outer.data)
	if err != nil || len(inner) != len(validTags) {
		d.shardError(shard, err)
		return bad()
	}

	for i, resp := range inner {
		out = append(out, d.observe(validTags[i], resp, now))
	}
	return out
}

func (d *Driver) observe(t driver.Tag, resp *cipResponse, now time.Time) driver.Observation {
	o := driver.Observation{ConnID: t.ConnID, TagID: t.ID, Timestamp: now, Quality: driver.QualityBad}
	if resp.status != statusSuccess {
		if d.throttle.Allow(t.ID) {
			logging.DebugLog("eip", "tag %d (%s): CIP status 0x%02X", t.ID, t.Path, resp.status)
		}
		return o
	}
	value, code, err := decodeValue(resp.data)
	if err != nil {
		if d.throttle.Allow(t.ID) {
			logging.DebugError("eip", fmt.Sprintf("tag %d (%s)", t.ID, t.Path), err)
		}
		return o
	}
	d.typeMu.Lock()
	d.typeCache[t.Path] = code
	d.typeMu.Unlock()

	o.Value = value
	o.Quality = driver.QualityGood
	return o
}

func (d *Driver) shardError(shard []driver.Tag, err error) {
	if err == nil {
		return
	}
	if driver.IsTransportError(err) {
		d.mu.Lock()
		client := d.client
		d.mu.Unlock()
		if client != nil {
			client.Close()
		}
	}
	if len(shard) > 0 && d.throttle.Allow(shard[0].ID) {
		logging.DebugError("eip", fmt.Sprintf("conn %s shard of %d", d.cfg.ID, len(shard)), err)
	}
}

func (d *Driver) ReadOne(ctx context.Context, tagIDs []int64) []driver.Observation {
	ids := make(map[int64]bool, len(tagIDs))
	for _, id := range tagIDs {
		ids[id] = true
	}
	// One-shot reads go through the same shard path with whatever tag
	// metadata the scheduler currently holds.
	var tags []driver.Tag
	for _, t := range d.scheduler.SnapshotTags() {
		if ids[t.ID] {
			tags = append(tags, t)
		}
	}
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	return d.readShard(client, tags)
}

// Write resolves each tag's controller type (from the read cache or a
// probing read) and issues Write Tag requests one at a time.
func (d *Driver) Write(ctx context.Context, reqs []driver.WriteRequest) []driver.WriteResult {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	out := make([]driver.WriteResult, 0, len(reqs))
	for _, r := range reqs {
		if ctx.Err() != nil {
			out = append(out, driver.WriteResult{TagID: r.TagID, Err: ctx.Err()})
			continue
		}
		out = append(out, driver.WriteResult{TagID: r.TagID, Err: d.writeOne(client, r)})
	}
	return out
}

func (d *Driver) writeOne(client *Client, r driver.WriteRequest) error {
	if client == nil || !client.IsConnected() {
		return driver.ErrNotConnected
	}

	code, err := d.resolveType(client, r.Path)
	if err != nil {
		return err
	}
	payload, err := encodeValue(code, r.Value)
	if err != nil {
		return err
	}
	req, err := buildWrite(r.Path, code, payload)
	if err != nil {
		return err
	}
	raw, err := client.Transact(req)
	if err != nil {
		if driver.IsTransportError(err) {
			client.Close()
		}
		return err
	}
	resp, err := parseCIPResponse(raw)
	if err != nil {
		return err
	}
	return resp.err(fmt.Sprintf("write %s", r.Path))
}

// resolveType finds the controller type code for a path, reading the
// tag once if it has never been polled.
func (d *Driver) resolveType(client *Client, path string) (uint16, error) {
	d.typeMu.RLock()
	code, ok := d.typeCache[path]
	d.typeMu.RUnlock()
	if ok {
		return code, nil
	}

	req, err := buildRead(path, 1)
	if err != nil {
		return 0, err
	}
	raw, err := client.Transact(req)
	if err != nil {
		return 0, err
	}
	resp, err := parseCIPResponse(raw)
	if err != nil {
		return 0, err
	}
	if err := resp.err(fmt.Sprintf("probe %s", path)); err != nil {
		return 0, err
	}
	_, code, err = decodeValue(resp.data)
	if err != nil {
		return 0, err
	}
	d.typeMu.Lock()
	d.typeCache[path] = code
	d.typeMu.Unlock()
	return code, nil
}

// Browse lists the controller's tag table.
func (d *Driver) Browse(ctx context.Context, node string) ([]driver.BrowseItem, error) {
	tags, err := d.ListTags(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]driver.BrowseItem, 0, len(tags))
	for _, t := range tags {
		class := "Variable"
		if t.IsStruct {
			class = "Object"
		}
		items = append(items, driver.BrowseItem{
			NodeID:      t.Name,
			BrowseName:  t.Name,
			DisplayName: t.Name,
			NodeClass:   class,
			DataType:    t.TypeName,
			HasChildren: t.IsStruct || t.IsArray,
		})
	}
	return items, nil
}

// ListTags walks the Symbol Object table.
func (d *Driver) ListTags(ctx context.Context) ([]TagInfo, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if !client.IsConnected() {
		return nil, driver.ErrNotConnected
	}
	return client.ListTags()
}

// ResolveTypes fills in type information for named tags by reading
// each one once.
func (d *Driver) ResolveTypes(ctx context.Context, names []string) (map[string]string, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if !client.IsConnected() {
		return nil, driver.ErrNotConnected
	}

	out := make(map[string]string, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		code, err := d.resolveType(client, name)
		if err != nil {
			out[name] = ""
			continue
		}
		out[name] = TypeName(code)
	}
	return out, nil
}

func (d *Driver) Observations() <-chan driver.Observation { return d.obs }

func (d *Driver) ListActiveTagIDs() []int64 { return d.scheduler.ActiveTagIDs() }

func (d *Driver) RemoveTag(tagID int64) {
	d.scheduler.RemoveTag(tagID)
	d.deferredMu.Lock()
	delete(d.deferred, tagID)
	d.deferredMu.Unlock()
}

func (d *Driver) reconnectLoop() {
	var backoff driver.Backoff
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}

		d.mu.Lock()
		client := d.client
		closing := d.closing
		d.mu.Unlock()
		if closing {
			return
		}
		if client.IsConnected() {
			// Cheap liveness probe; failures surface as a closed
			// socket on the next exchange.
			_ = client.Nop()
			backoff.Reset()
			continue
		}

		delay := backoff.Next()
		logging.DebugLog("eip", "conn %s: reconnecting in %s", d.cfg.ID, delay)
		select {
		case <-d.done:
			return
		case <-time.After(delay):
		}

		next := NewClient(d.addr(), driver.ConnectTimeout)
		if err := next.Connect(); err != nil {
			logging.DebugError("eip", fmt.Sprintf("conn %s reconnect", d.cfg.ID), err)
			continue
		}

		d.mu.Lock()
		if d.closing {
			d.mu.Unlock()
			next.Close()
			return
		}
		old := d.client
		d.client = next
		d.mu.Unlock()
		if old != nil {
			old.Close()
		}
		d.throttle.Reset()
		backoff.Reset()
		logging.DebugLog("eip", "conn %s: reconnected", d.cfg.ID)
	}
}
