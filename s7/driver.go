package s7

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

// obsBuffer sizes the observation channel shared with the emitter.
const obsBuffer = 256

// Driver implements the S7 polling driver.
type Driver struct {
	cfg *config.ConnConfig

	mu      sync.Mutex
	client  *Client
	closing bool

	obs       chan driver.Observation
	scheduler *sched.Scheduler

	tagsMu sync.RWMutex
	tags   map[int64]driver.Tag
	addrs  map[int64]Address

	throttle *driver.ErrorThrottle

	reconnectOnce sync.Once
	done          chan struct{}
}

// New builds an S7 driver from a connection definition.
func New(cfg *config.ConnConfig) (driver.Driver, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("s7 %s: host is required", cfg.ID)
	}
	d := &Driver{
		cfg:      cfg,
		obs:      make(chan driver.Observation, obsBuffer),
		tags:     make(map[int64]driver.Tag),
		addrs:    make(map[int64]Address),
		throttle: driver.NewErrorThrottle(0),
		done:     make(chan struct{}),
	}
	d.scheduler = sched.New(cfg.ID, d.readTags, d.obs)
	return d, nil
}

// Register installs the factory in the driver registry.
func Register() {
	driver.Register(config.KindS7, New)
}

// Connect dials the PLC. The rack/slot pair comes from configuration;
// S7-1200/1500 use slot 0 or 1, S7-300/400 commonly slot 2.
func (d *Driver) Connect(ctx context.Context) error {
	timeout := driver.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	addr := d.cfg.Address()
	if d.cfg.Port == 0 {
		addr = fmt.Sprintf("%s:102", d.cfg.Host)
	}
	client, err := Connect(addr, d.cfg.Rack, d.cfg.Slot, timeout)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		client.Close()
		return driver.ErrClosing
	}
	d.client = client
	d.mu.Unlock()

	d.reconnectOnce.Do(func() { go d.reconnectLoop() })
	return nil
}

// Close stops polling and tears down the session. Idempotent.
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

func (d *Driver) Kind() config.ConnKind { return config.KindS7 }

// ApplyTagSubscriptions parses tag addresses and swaps the scheduler's
// group set. Tags with unparseable addresses are refused as a unit so
// prior state stays intact.
func (d *Driver) ApplyTagSubscriptions(groups []driver.TagGroup) error {
	tags := make(map[int64]driver.Tag)
	addrs := make(map[int64]Address)
	for _, tg := range groups {
		for _, t := range tg.Tags {
			a, err := Parse(t.Path)
			if err != nil {
				return fmt.Errorf("tag %d: %w", t.ID, err)
			}
			tags[t.ID] = t
			addrs[t.ID] = a
		}
	}

	d.tagsMu.Lock()
	d.tags = tags
	d.addrs = addrs
	d.tagsMu.Unlock()

	d.scheduler.Replace(groups)
	return nil
}

// readTags is the scheduler's batched read path: one PDU exchange per
// tag, the session mutex providing natural pacing.
func (d *Driver) readTags(ctx context.Context, tags []driver.Tag) []driver.Observation {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	out := make([]driver.Observation, 0, len(tags))
	for _, t := range tags {
		if ctx.Err() != nil {
			return out
		}
		out = append(out, d.readTag(client, t))
	}
	return out
}

func (d *Driver) readTag(client *Client, t driver.Tag) driver.Observation {
	o := driver.Observation{
		ConnID:    t.ConnID,
		TagID:     t.ID,
		Timestamp: time.Now().UTC(),
		Quality:   driver.QualityBad,
	}

	d.tagsMu.RLock()
	a, ok := d.addrs[t.ID]
	d.tagsMu.RUnlock()
	if !ok || client == nil {
		return o
	}

	buf, err := client.ReadAddress(a)
	if err != nil {
		if driver.IsTransportError(err) {
			client.markBroken()
		}
		if d.throttle.Allow(t.ID) {
			logging.DebugError("s7", fmt.Sprintf("read tag %d (%s)", t.ID, a), err)
		}
		return o
	}

	v, err := Decode(a, buf)
	if err != nil {
		if d.throttle.Allow(t.ID) {
			logging.DebugError("s7", fmt.Sprintf("decode tag %d (%s)", t.ID, a), err)
		}
		return o
	}
	o.Value = v
	o.Quality = driver.QualityGood
	return o
}

// ReadOne performs a one-shot read of tags from the active set.
func (d *Driver) ReadOne(ctx context.Context, tagIDs []int64) []driver.Observation {
	d.tagsMu.RLock()
	tags := make([]driver.Tag, 0, len(tagIDs))
	for _, id := range tagIDs {
		if t, ok := d.tags[id]; ok {
			tags = append(tags, t)
		} else {
			tags = append(tags, driver.Tag{ID: id, ConnID: d.cfg.ID})
		}
	}
	d.tagsMu.RUnlock()
	return d.readTags(ctx, tags)
}

// Write applies a batch of writes. Bit targets go through the
// serialized read-modify-write path.
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
	a, err := Parse(r.Path)
	if err != nil {
		return err
	}
	if err := client.WriteValue(a, r.Value); err != nil {
		if driver.IsTransportError(err) {
			client.markBroken()
		}
		return err
	}
	return nil
}

// Browse is unsupported: S7 exposes no tag namespace.
func (d *Driver) Browse(ctx context.Context, node string) ([]driver.BrowseItem, error) {
	return nil, driver.ErrBrowseUnsupported
}

func (d *Driver) Observations() <-chan driver.Observation { return d.obs }

func (d *Driver) ListActiveTagIDs() []int64 { return d.scheduler.ActiveTagIDs() }

func (d *Driver) RemoveTag(tagID int64) {
	d.scheduler.RemoveTag(tagID)
	d.tagsMu.Lock()
	delete(d.tags, tagID)
	delete(d.addrs, tagID)
	d.tagsMu.Unlock()
}

// reconnectLoop re-establishes the session after transport failures,
// backing off per the shared policy. Deliberate shutdown stays quiet.
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
		if closing || client == nil || client.IsConnected() {
			backoff.Reset()
			continue
		}

		delay := backoff.Next()
		logging.DebugLog("s7", "conn %s: reconnecting in %s", d.cfg.ID, delay)
		select {
		case <-d.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), driver.ConnectTimeout)
		addr := d.cfg.Address()
		if d.cfg.Port == 0 {
			addr = fmt.Sprintf("%s:102", d.cfg.Host)
		}
		timeout := driver.ConnectTimeout
		if dl, ok := ctx.Deadline(); ok {
			timeout = time.Until(dl)
		}
		next, err := Connect(addr, d.cfg.Rack, d.cfg.Slot, timeout)
		cancel()
		if err != nil {
			logging.DebugError("s7", fmt.Sprintf("conn %s reconnect", d.cfg.ID), err)
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
		logging.DebugLog("s7", "conn %s: reconnected", d.cfg.ID)
	}
}
