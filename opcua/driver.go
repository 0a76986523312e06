package opcua

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"fieldgate/config"
	"fieldgate/detect"
	"fieldgate/driver"
	"fieldgate/logging"
)

const obsBuffer = 256

// subState is one live server-side subscription, covering one poll
// group at the group's publishing interval.
type subState struct {
	sub     *opcua.Subscription
	cancel  context.CancelFunc
	handles map[uint32]driver.Tag // client handle -> tag
}

// Driver is the OPC UA client driver. Values arrive through monitored
// item notifications; change detection still runs here so deadband and
// heartbeat behave identically across protocols (server-side deadband
// stays disabled).
type Driver struct {
	cfg *config.ConnConfig

	mu      sync.Mutex
	client  *opcua.Client
	closing bool

	subsMu     sync.Mutex
	subs       map[int64]*subState // poll group id -> subscription
	desired    []driver.TagGroup
	nextHandle uint32

	obs chan driver.Observation

	lastMu sync.Mutex
	last   map[int64]*detect.Last

	throttle *driver.ErrorThrottle

	reconnectOnce sync.Once
	done          chan struct{}
}

func New(cfg *config.ConnConfig) (driver.Driver, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("opcua %s: endpoint is required", cfg.ID)
	}
	return &Driver{
		cfg:      cfg,
		subs:     make(map[int64]*subState),
		obs:      make(chan driver.Observation, obsBuffer),
		last:     make(map[int64]*detect.Last),
		throttle: driver.NewErrorThrottle(0),
		done:     make(chan struct{}),
	}, nil
}

// Register installs the factory for both the client and the
// server-endpoint flavor; the driver side of each is identical.
func Register() {
	driver.Register(config.KindOPCUAClient, New)
	driver.Register(config.KindOPCUAServer, New)
}

// Connect discovers endpoints, selects one matching the configured
// security pair, and opens the session.
func (d *Driver) Connect(ctx context.Context) error {
	endpoints, err := opcua.GetEndpoints(ctx, d.cfg.Endpoint)
	var ep *ua.EndpointDescription
	if err == nil {
		ep = opcua.SelectEndpoint(endpoints, policyOf(d.cfg),
			ua.MessageSecurityModeFromString(modeOf(d.cfg)))
	} else {
		logging.DebugLog("opcua", "conn %s: endpoint discovery failed (%v), dialing direct", d.cfg.ID, err)
	}

	client, err := opcua.NewClient(d.cfg.Endpoint, clientOpts(d.cfg, ep)...)
	if err != nil {
		return fmt.Errorf("opcua %s: %w", d.cfg.ID, err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("opcua %s: connect: %w", d.cfg.ID, err)
	}

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		_ = client.Close(ctx)
		return driver.ErrClosing
	}
	old := d.client
	d.client = client
	d.mu.Unlock()
	if old != nil {
		_ = old.Close(context.Background())
	}

	if err := d.applyDesired(); err != nil {
		logging.DebugError("opcua", fmt.Sprintf("conn %s resubscribe", d.cfg.ID), err)
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

	d.dropSubs()
	if client != nil {
		return client.Close(context.Background())
	}
	return nil
}

func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	return client != nil && client.State() == opcua.Connected
}

func (d *Driver) Kind() config.ConnKind { return config.KindOPCUAClient }

// ApplyTagSubscriptions replaces the subscription set. The desired
// groups survive reconnects; subscriptions are rebuilt on each new
// session.
func (d *Driver) ApplyTagSubscriptions(groups []driver.TagGroup) error {
	d.subsMu.Lock()
	d.desired = groups
	d.subsMu.Unlock()
	return d.applyDesired()
}

func (d *Driver) applyDesired() error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	d.dropSubs()
	if client == nil {
		return nil
	}

	d.subsMu.Lock()
	defer d.subsMu.Unlock()

	var firstErr error
	for _, tg := range d.desired {
		rate := tg.Group.Rate()
		if !tg.Group.Enabled || rate <= 0 || len(tg.Tags) == 0 {
			continue
		}
		st, err := d.subscribeGroup(client, rate, tg.Tags)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("group %d: %w", tg.Group.ID, err)
			}
			continue
		}
		d.subs[tg.Group.ID] = st
	}
	return firstErr
}

// subscribeGroup creates one subscription with publishing interval =
// group rate and a monitored item per tag. Native deadband filters are
// deliberately not requested.
func (d *Driver) subscribeGroup(client *opcua.Client, rate time.Duration, tags []driver.Tag) (*subState, error) {
	notify := make(chan *opcua.PublishNotificationData, len(tags))
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: rate}, notify)
	if err != nil {
		cancel()
		return nil, err
	}

	st := &subState{sub: sub, cancel: cancel, handles: make(map[uint32]driver.Tag, len(tags))}
	var reqs []*ua.MonitoredItemCreateRequest
	for _, t := range tags {
		id, err := ua.ParseNodeID(t.Path)
		if err != nil {
			if d.throttle.Allow(t.ID) {
				logging.DebugError("opcua", fmt.Sprintf("tag %d node %q", t.ID, t.Path), err)
			}
			continue
		}
		d.nextHandle++
		handle := d.nextHandle
		st.handles[handle] = t
		reqs = append(reqs, opcua.NewMonitoredItemCreateRequestWithDefaults(id, ua.AttributeIDValue, handle))
	}
	if len(reqs) == 0 {
		cancel()
		_ = sub.Cancel(context.Background())
		return nil, fmt.Errorf("no monitorable tags")
	}
	if _, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, reqs...); err != nil {
		cancel()
		_ = sub.Cancel(context.Background())
		return nil, err
	}

	go d.pump(ctx, st, notify)
	return st, nil
}

// pump converts publish notifications into observations, running the
// generic change detector per tag.
func (d *Driver) pump(ctx context.Context, st *subState, notify <-chan *opcua.PublishNotificationData) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-notify:
			if !ok {
				return
			}
			if data.Error != nil {
				logging.DebugError("opcua", fmt.Sprintf("conn %s publish", d.cfg.ID), data.Error)
				continue
			}
			dcn, ok := data.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			for _, item := range dcn.MonitoredItems {
				tag, ok := st.handles[item.ClientHandle]
				if !ok {
					continue
				}
				d.deliver(ctx, tag, item.Value)
			}
		}
	}
}

func (d *Driver) deliver(ctx context.Context, tag driver.Tag, dv *ua.DataValue) {
	o := driver.Observation{
		ConnID:    tag.ConnID,
		TagID:     tag.ID,
		Timestamp: time.Now().UTC(),
		Quality:   qualityOf(dv),
	}
	if dv != nil && dv.Value != nil {
		o.Value = dv.Value.Value()
	}
	if dv != nil && !dv.SourceTimestamp.IsZero() {
		o.Timestamp = dv.SourceTimestamp.UTC()
	}

	d.lastMu.Lock()
	prev := d.last[tag.ID]
	publish := detect.ShouldPublish(tag.Policy, prev, o.Value, int(o.Quality), o.Timestamp)
	if publish {
		d.last[tag.ID] = &detect.Last{Value: o.Value, Quality: int(o.Quality), Timestamp: o.Timestamp}
	}
	d.lastMu.Unlock()
	if !publish {
		return
	}

	select {
	case d.obs <- o:
	case <-ctx.Done():
	}
}

// qualityOf folds an OPC UA status code onto the three-valued quality.
func qualityOf(dv *ua.DataValue) driver.Quality {
	if dv == nil {
		return driver.QualityBad
	}
	switch {
	case dv.Status == ua.StatusOK:
		return driver.QualityGood
	case dv.Status&ua.StatusBad != 0:
		return driver.QualityBad
	default:
		return driver.QualityUncertain
	}
}

// ReadOne reads current values through the session, bypassing
// subscriptions.
func (d *Driver) ReadOne(ctx context.Context, tagIDs []int64) []driver.Observation {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	now := time.Now().UTC()
	tags := d.tagsByID(tagIDs)
	out := make([]driver.Observation, 0, len(tags))
	bad := func(t driver.Tag) {
		out = append(out, driver.Observation{ConnID: t.ConnID, TagID: t.ID, Timestamp: now, Quality: driver.QualityBad})
	}

	if client == nil {
		for _, t := range tags {
			bad(t)
		}
		return out
	}

	var nodes []*ua.ReadValueID
	var nodeTags []driver.Tag
	for _, t := range tags {
		id, err := ua.ParseNodeID(t.Path)
		if err != nil {
			bad(t)
			continue
		}
		nodes = append(nodes, &ua.ReadValueID{NodeID: id, AttributeID: ua.AttributeIDValue})
		nodeTags = append(nodeTags, t)
	}
	if len(nodes) == 0 {
		return out
	}

	resp, err := client.Read(ctx, &ua.ReadRequest{
		NodesToRead:        nodes,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil || len(resp.Results) != len(nodeTags) {
		if err != nil {
			logging.DebugError("opcua", fmt.Sprintf("conn %s read", d.cfg.ID), err)
		}
		for _, t := range nodeTags {
			bad(t)
		}
		return out
	}

	for i, dv := range resp.Results {
		t := nodeTags[i]
		o := driver.Observation{ConnID: t.ConnID, TagID: t.ID, Timestamp: now, Quality: qualityOf(dv)}
		if dv.Value != nil {
			o.Value = dv.Value.Value()
		}
		out = append(out, o)
	}
	return out
}

func (d *Driver) tagsByID(tagIDs []int64) []driver.Tag {
	want := make(map[int64]bool, len(tagIDs))
	for _, id := range tagIDs {
		want[id] = true
	}
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	var out []driver.Tag
	for _, tg := range d.desired {
		for _, t := range tg.Tags {
			if want[t.ID] {
				out = append(out, t)
			}
		}
	}
	return out
}

func (d *Driver) Write(ctx context.Context, reqs []driver.WriteRequest) []driver.WriteResult {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	out := make([]driver.WriteResult, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, driver.WriteResult{TagID: r.TagID, Err: d.writeOne(ctx, client, r)})
	}
	return out
}

func (d *Driver) writeOne(ctx context.Context, client *opcua.Client, r driver.WriteRequest) error {
	if client == nil {
		return driver.ErrNotConnected
	}
	id, err := ua.ParseNodeID(r.Path)
	if err != nil {
		return err
	}
	variant, err := ua.NewVariant(r.Value)
	if err != nil {
		return fmt.Errorf("value %v: %w", r.Value, err)
	}
	resp, err := client.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      id,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        variant,
			},
		}},
	})
	if err != nil {
		return err
	}
	if len(resp.Results) > 0 && resp.Results[0] != ua.StatusOK {
		return fmt.Errorf("write %s: %s", r.Path, resp.Results[0])
	}
	return nil
}

// Browse lists the hierarchical children of a node; an empty node
// browses the Objects folder. Variables carry their data type name.
func (d *Driver) Browse(ctx context.Context, node string) ([]driver.BrowseItem, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return nil, driver.ErrNotConnected
	}

	if node == "" {
		node = "i=85" // ObjectsFolder
	}
	id, err := ua.ParseNodeID(node)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", node, err)
	}

	resp, err := client.Browse(ctx, &ua.BrowseRequest{
		NodesToBrowse: []*ua.BrowseDescription{{
			NodeID:          id,
			BrowseDirection: ua.BrowseDirectionForward,
			ReferenceTypeID: ua.NewNumericNodeID(0, 33), // HierarchicalReferences
			IncludeSubtypes: true,
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}

	var items []driver.BrowseItem
	for _, ref := range resp.Results[0].References {
		item := driver.BrowseItem{
			NodeID:      ref.NodeID.String(),
			NodeClass:   nodeClassName(ref.NodeClass),
			HasChildren: ref.NodeClass != ua.NodeClassVariable,
		}
		if ref.BrowseName != nil {
			item.BrowseName = ref.BrowseName.Name
		}
		if ref.DisplayName != nil {
			item.DisplayName = ref.DisplayName.Text
		}
		if ref.NodeClass == ua.NodeClassVariable {
			item.DataType = d.dataTypeName(ctx, client, ref.NodeID.String())
		}
		items = append(items, item)
	}
	return items, nil
}

// dataTypeName reads a variable's DataType attribute, best effort.
func (d *Driver) dataTypeName(ctx context.Context, client *opcua.Client, node string) string {
	id, err := ua.ParseNodeID(node)
	if err != nil {
		return ""
	}
	resp, err := client.Read(ctx, &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{{NodeID: id, AttributeID: ua.AttributeIDDataType}},
	})
	if err != nil || len(resp.Results) == 0 || resp.Results[0].Value == nil {
		return ""
	}
	if typeID, ok := resp.Results[0].Value.Value().(*ua.NodeID); ok {
		return typeID.String()
	}
	return ""
}

// ReadAttributes reads a set of attributes of one node for the
// attribute-read RPC.
func (d *Driver) ReadAttributes(ctx context.Context, node string, attrs []uint32) (map[uint32]interface{}, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return nil, driver.ErrNotConnected
	}
	id, err := ua.ParseNodeID(node)
	if err != nil {
		return nil, err
	}

	nodes := make([]*ua.ReadValueID, 0, len(attrs))
	for _, a := range attrs {
		nodes = append(nodes, &ua.ReadValueID{NodeID: id, AttributeID: ua.AttributeID(a)})
	}
	resp, err := client.Read(ctx, &ua.ReadRequest{NodesToRead: nodes})
	if err != nil {
		return nil, err
	}

	out := make(map[uint32]interface{}, len(attrs))
	for i, dv := range resp.Results {
		if i >= len(attrs) {
			break
		}
		if dv.Status == ua.StatusOK && dv.Value != nil {
			out[attrs[i]] = dv.Value.Value()
		}
	}
	return out, nil
}

func (d *Driver) Observations() <-chan driver.Observation { return d.obs }

func (d *Driver) ListActiveTagIDs() []int64 {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	var ids []int64
	for _, st := range d.subs {
		for _, t := range st.handles {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// RemoveTag drops a tag from the desired set and rebuilds the affected
// subscription.
func (d *Driver) RemoveTag(tagID int64) {
	d.subsMu.Lock()
	changed := false
	for gi, tg := range d.desired {
		for ti, t := range tg.Tags {
			if t.ID == tagID {
				tags := make([]driver.Tag, 0, len(tg.Tags)-1)
				tags = append(tags, tg.Tags[:ti]...)
				tags = append(tags, tg.Tags[ti+1:]...)
				d.desired[gi].Tags = tags
				changed = true
				break
			}
		}
	}
	d.subsMu.Unlock()

	d.lastMu.Lock()
	delete(d.last, tagID)
	d.lastMu.Unlock()

	if changed {
		if err := d.applyDesired(); err != nil {
			logging.DebugError("opcua", fmt.Sprintf("conn %s remove tag %d", d.cfg.ID, tagID), err)
		}
	}
}

func (d *Driver) dropSubs() {
	d.subsMu.Lock()
	subs := d.subs
	d.subs = make(map[int64]*subState)
	d.subsMu.Unlock()

	for _, st := range subs {
		st.cancel()
		_ = st.sub.Cancel(context.Background())
	}
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
		closing := d.closing
		d.mu.Unlock()
		if closing {
			return
		}
		if d.IsConnected() {
			backoff.Reset()
			continue
		}

		delay := backoff.Next()
		logging.DebugLog("opcua", "conn %s: reconnecting in %s", d.cfg.ID, delay)
		select {
		case <-d.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), driver.ConnectTimeout)
		err := d.Connect(ctx)
		cancel()
		if err != nil {
			logging.DebugError("opcua", fmt.Sprintf("conn %s reconnect", d.cfg.ID), err)
			continue
		}
		d.throttle.Reset()
		backoff.Reset()
		logging.DebugLog("opcua", "conn %s: reconnected", d.cfg.ID)
	}
}
