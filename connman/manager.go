// Package connman holds the live connection set and applies
// declarative configuration deltas to it. Events for one connection id
// are serialized; different ids run in parallel. A delete always wins
// over an in-flight connect.
package connman

import (
	"context"
	"fmt"
	"sync"

	"fieldgate/bus"
	"fieldgate/config"
	"fieldgate/driver"
	"fieldgate/logging"
	"fieldgate/publish"
	"fieldgate/store"
)

const eventQueueSize = 64

// StatusSink receives connection state transitions and error counts.
// The telemetry emitter satisfies it.
type StatusSink interface {
	Status(connID string, state driver.Status, reason string)
	CountError(connID string)
	DropConn(connID string)
}

// ObservationSink receives every observation flowing out of a driver.
type ObservationSink func(driver.Observation)

// tuner is implemented by drivers with runtime tuning knobs (EIP).
type tuner interface {
	SetTuning(config.EIPTuning)
}

// rawPublisher is implemented by drivers that can publish arbitrary
// broker messages (MQTT), feeding the publisher engine.
type rawPublisher interface {
	PublishRaw(topic string, payload []byte, qos byte, retain bool) error
}

// managed is one live connection.
type managed struct {
	id  string
	cfg *config.ConnConfig
	drv driver.Driver
	pub *publish.Engine // mqtt only

	status driver.Status

	queue chan func()
	done  chan struct{}

	// deleted is set the moment a delete arrives so an in-flight
	// connect can abandon its work. Guarded by the manager mutex.
	deleted       bool
	cancelConnect context.CancelFunc

	writeMu sync.Mutex // one in-flight write batch per connection
}

// Manager is the connection registry.
type Manager struct {
	store  store.Store
	status StatusSink
	obs    ObservationSink

	// hostLimit caps live connections sharing one host. Zero or
	// negative means unlimited.
	hostLimit int

	mu    sync.Mutex
	conns map[string]*managed

	wg sync.WaitGroup
}

func New(st store.Store, status StatusSink, obs ObservationSink, maxPerHost int) *Manager {
	return &Manager{
		store:     st,
		status:    status,
		obs:       obs,
		hostLimit: maxPerHost,
		conns:     make(map[string]*managed),
	}
}

// ApplyConfig dispatches one config event onto the connection's serial
// queue. The call itself never blocks on protocol work.
func (m *Manager) ApplyConfig(ev bus.ConfigEvent) {
	switch ev.Op {
	case bus.ConfigOpUpsert:
		if ev.Conn == nil {
			return
		}
		mc := m.entry(ev.Conn.ID)
		cfg := ev.Conn
		m.enqueue(mc, func() { m.upsert(mc, cfg) })
	case bus.ConfigOpDelete:
		m.mu.Lock()
		mc, ok := m.conns[ev.ID]
		if ok {
			// Delete wins over a connecting state immediately.
			mc.deleted = true
			if mc.cancelConnect != nil {
				mc.cancelConnect()
			}
		}
		m.mu.Unlock()
		if !ok {
			return
		}
		m.enqueue(mc, func() { m.remove(mc, driver.StatusDeleted, "deleted") })
	}
}

// ApplyTagChange reloads tag metadata for a connection and re-applies
// subscriptions.
func (m *Manager) ApplyTagChange(connID string) {
	m.mu.Lock()
	mc, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.enqueue(mc, func() { m.reloadTags(mc) })
}

// RemoveTagFast drops one tag without a metadata round trip, used for
// tag_removed events.
func (m *Manager) RemoveTagFast(connID string, tagID int64) {
	m.mu.Lock()
	mc, ok := m.conns[connID]
	m.mu.Unlock()
	if !ok || mc.drv == nil {
		return
	}
	mc.drv.RemoveTag(tagID)
	logging.DebugLog("connman", "conn %s: fast-removed tag %d", connID, tagID)
}

// entry returns the managed record for id, creating its serial queue
// on first sight.
func (m *Manager) entry(id string) *managed {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.conns[id]; ok {
		return mc
	}
	mc := &managed{
		id:     id,
		status: driver.StatusUnknown,
		queue:  make(chan func(), eventQueueSize),
		done:   make(chan struct{}),
	}
	m.conns[id] = mc
	m.wg.Add(1)
	go m.serve(mc)
	return mc
}

func (m *Manager) serve(mc *managed) {
	defer m.wg.Done()
	for {
		select {
		case fn := <-mc.queue:
			fn()
		case <-mc.done:
			// Drain anything already queued so a trailing delete is
			// not lost.
			for {
				select {
				case fn := <-mc.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) enqueue(mc *managed, fn func()) {
	select {
	case mc.queue <- fn:
	case <-mc.done:
	}
}

// setStatus records and publishes a state transition.
func (m *Manager) setStatus(mc *managed, s driver.Status, reason string) {
	m.mu.Lock()
	if mc.status == s {
		m.mu.Unlock()
		return
	}
	mc.status = s
	m.mu.Unlock()
	m.status.Status(mc.id, s, reason)
}

// upsert runs on the connection's serial queue.
func (m *Manager) upsert(mc *managed, cfg *config.ConnConfig) {
	m.mu.Lock()
	deleted := mc.deleted
	m.mu.Unlock()
	if deleted {
		return
	}

	kind, ok := cfg.Kind()
	if !ok {
		m.status.CountError(mc.id)
		m.setStatus(mc, driver.StatusError, fmt.Sprintf("unknown connection type %q", cfg.Type))
		return
	}

	switch {
	case !cfg.Enabled:
		if mc.drv != nil {
			m.teardown(mc)
		}
		mc.cfg = cfg
		m.setStatus(mc, driver.StatusDisabled, "disabled by configuration")
		return

	case mc.drv == nil:
		// Fresh connection.

	case mc.cfg != nil && mc.cfg.Equal(cfg):
		return // identical upsert is a no-op

	case mc.cfg != nil && sameKind(mc.cfg, kind):
		// Same driver, new settings. Tuning-only changes apply in
		// place; anything else reconnects.
		if t, ok := mc.drv.(tuner); ok && tuningOnlyChange(mc.cfg, cfg) {
			tuning := cfg.EIP
			tuning.Clamp()
			t.SetTuning(tuning)
			mc.cfg = cfg
			logging.DebugLog("connman", "conn %s: tuning updated in place", mc.id)
			m.reloadTags(mc)
			return
		}
		m.teardown(mc)

	default:
		// Type changed: destroy and rebuild.
		m.teardown(mc)
	}

	if !m.hostSlotFree(mc, cfg.Host) {
		mc.cfg = cfg
		m.status.CountError(mc.id)
		m.setStatus(mc, driver.StatusError, fmt.Sprintf("host %s: connection limit %d reached", cfg.Host, m.hostLimit))
		return
	}

	mc.cfg = cfg
	drv, err := driver.Create(cfg)
	if err != nil {
		m.status.CountError(mc.id)
		m.setStatus(mc, driver.StatusError, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), driver.ConnectTimeout)
	m.mu.Lock()
	mc.drv = drv
	mc.cancelConnect = cancel
	m.mu.Unlock()
	m.setStatus(mc, driver.StatusConnecting, "configuration applied")

	// Connect without holding the serial queue so a delete can land.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		err := drv.Connect(ctx)

		m.mu.Lock()
		deleted := mc.deleted
		mc.cancelConnect = nil
		m.mu.Unlock()
		if deleted {
			drv.Close()
			return
		}
		if err != nil {
			m.status.CountError(mc.id)
			m.setStatus(mc, driver.StatusError, fmt.Sprintf("connect: %v", err))
			return
		}
		m.setStatus(mc, driver.StatusConnected, "")
		m.startPump(mc)
		m.enqueue(mc, func() {
			m.reloadTags(mc)
			m.startPublishers(mc)
		})
	}()
}

// hostSlotFree reports whether another connection may be opened to
// host. Connections that address a broker by URL carry no host and are
// never counted.
func (m *Manager) hostSlotFree(mc *managed, host string) bool {
	if m.hostLimit <= 0 || host == "" {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, other := range m.conns {
		if other == mc || other.drv == nil || other.cfg == nil {
			continue
		}
		if other.cfg.Host == host {
			n++
		}
	}
	return n < m.hostLimit
}

func sameKind(cfg *config.ConnConfig, kind config.ConnKind) bool {
	k, ok := cfg.Kind()
	return ok && k == kind
}

// tuningOnlyChange reports whether the two configs differ only in EIP
// tuning.
func tuningOnlyChange(old, new *config.ConnConfig) bool {
	a, b := *old, *new
	a.EIP, b.EIP = config.EIPTuning{}, config.EIPTuning{}
	return a.Equal(&b)
}

// reloadTags refetches metadata and swaps the subscription set.
func (m *Manager) reloadTags(mc *managed) {
	if mc.drv == nil || !mc.drv.IsConnected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), driver.ReadTimeout)
	defer cancel()

	tags, err := m.store.TagsForConnection(ctx, mc.id)
	if err != nil {
		m.status.CountError(mc.id)
		logging.DebugError("connman", "conn "+mc.id+" tag reload", err)
		return
	}
	groups, err := m.store.PollGroups(ctx)
	if err != nil {
		m.status.CountError(mc.id)
		logging.DebugError("connman", "conn "+mc.id+" poll groups", err)
		return
	}
	if err := mc.drv.ApplyTagSubscriptions(store.GroupTags(tags, groups)); err != nil {
		m.status.CountError(mc.id)
		m.setStatus(mc, driver.StatusError, fmt.Sprintf("apply subscriptions: %v", err))
		return
	}
	if mc.pub != nil {
		mc.pub.SetTags(tags)
	}
	logging.DebugLog("connman", "conn %s: %d tags applied", mc.id, len(tags))
}

// startPump forwards driver observations to the sink and the
// publisher engine.
func (m *Manager) startPump(mc *managed) {
	m.mu.Lock()
	drv := mc.drv
	m.mu.Unlock()
	if drv == nil {
		return
	}
	ch := drv.Observations()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case o := <-ch:
				m.obs(o)
				m.mu.Lock()
				pub := mc.pub
				m.mu.Unlock()
				if pub != nil {
					pub.Offer(o)
				}
			case <-mc.done:
				return
			}
		}
	}()
}

// startPublishers builds the MQTT publisher engine when the driver
// supports raw publishing and the config defines publishers.
func (m *Manager) startPublishers(mc *managed) {
	rp, ok := mc.drv.(rawPublisher)
	if !ok || len(mc.cfg.Publishers) == 0 {
		return
	}
	eng, err := publish.New(mc.cfg, rp.PublishRaw)
	if err != nil {
		m.status.CountError(mc.id)
		m.setStatus(mc, driver.StatusError, fmt.Sprintf("publishers: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), driver.ReadTimeout)
	defer cancel()
	if tags, err := m.store.TagsForConnection(ctx, mc.id); err == nil {
		eng.SetTags(tags)
	} else {
		logging.DebugError("connman", "conn "+mc.id+" publisher tags", err)
	}
	m.seedPublisher(ctx, mc, eng)

	eng.Start()
	m.mu.Lock()
	mc.pub = eng
	m.mu.Unlock()
}

// seedPublisher primes the engine with the persisted current value of
// every mapped tag, so interval publishers deliver data before the
// first live observation arrives.
func (m *Manager) seedPublisher(ctx context.Context, mc *managed, eng *publish.Engine) {
	seen := make(map[int64]bool)
	var ids []int64
	for _, p := range mc.cfg.Publishers {
		for _, mp := range p.Mappings {
			if mp.TagID != 0 && !seen[mp.TagID] {
				seen[mp.TagID] = true
				ids = append(ids, mp.TagID)
			}
		}
	}
	if len(ids) == 0 {
		return
	}
	values, err := m.store.CurrentValues(ctx, ids)
	if err != nil {
		logging.DebugError("connman", "conn "+mc.id+" seed current values", err)
		return
	}
	for id, cv := range values {
		eng.Seed(id, cv.Value, cv.Quality, cv.TS)
	}
	logging.DebugLog("connman", "conn %s: %d publisher values seeded", mc.id, len(values))
}

// teardown stops the publisher engine and closes the driver, leaving
// the managed record in place for a rebuild.
func (m *Manager) teardown(mc *managed) {
	m.mu.Lock()
	pub := mc.pub
	drv := mc.drv
	mc.pub = nil
	mc.drv = nil
	m.mu.Unlock()
	if pub != nil {
		pub.Stop()
	}
	if drv != nil {
		drv.Close()
	}
}

// remove runs on the serial queue: full destruction, terminal status.
func (m *Manager) remove(mc *managed, final driver.Status, reason string) {
	m.teardown(mc)
	m.setStatus(mc, final, reason)

	m.mu.Lock()
	delete(m.conns, mc.id)
	m.mu.Unlock()
	close(mc.done)
	m.status.DropConn(mc.id)
}

// Write dispatches one write batch. At most one batch is in flight per
// connection; later batches wait their turn.
func (m *Manager) Write(ctx context.Context, connID string, reqs []driver.WriteRequest) ([]driver.WriteResult, error) {
	m.mu.Lock()
	mc, ok := m.conns[connID]
	var drv driver.Driver
	if ok {
		drv = mc.drv
	}
	m.mu.Unlock()
	if !ok || drv == nil {
		return nil, fmt.Errorf("connman: connection %q not live", connID)
	}

	dispatch, failed, err := m.resolveWrites(ctx, connID, reqs)
	if err != nil {
		return nil, err
	}

	var results []driver.WriteResult
	if len(dispatch) > 0 {
		mc.writeMu.Lock()
		results = drv.Write(ctx, dispatch)
		mc.writeMu.Unlock()
	}
	results = append(results, failed...)
	for _, r := range results {
		if r.Err != nil {
			m.status.CountError(connID)
		}
	}
	return results, nil
}

// resolveWrites fills in the protocol address and data type for
// requests that arrive addressed by tag id alone, which is how the bus
// write envelope carries them. Unknown tags fail without reaching the
// driver; a caller-supplied path is passed through untouched.
func (m *Manager) resolveWrites(ctx context.Context, connID string, reqs []driver.WriteRequest) (dispatch []driver.WriteRequest, failed []driver.WriteResult, err error) {
	var need []int64
	for _, r := range reqs {
		if r.Path == "" {
			need = append(need, r.TagID)
		}
	}
	byID := make(map[int64]driver.Tag, len(need))
	if len(need) > 0 {
		tags, terr := m.store.TagsByID(ctx, connID, need)
		if terr != nil {
			return nil, nil, fmt.Errorf("connman: write %s: resolve tags: %w", connID, terr)
		}
		for _, t := range tags {
			byID[t.ID] = t
		}
	}
	for _, r := range reqs {
		if r.Path == "" {
			t, ok := byID[r.TagID]
			if !ok {
				failed = append(failed, driver.WriteResult{
					TagID: r.TagID,
					Err:   fmt.Errorf("tag %d not found on connection %s", r.TagID, connID),
				})
				continue
			}
			r.Path = t.Path
			if r.Type == "" {
				r.Type = t.DataType
			}
		}
		dispatch = append(dispatch, r)
	}
	return dispatch, failed, nil
}

// Driver returns the live driver of a connection, for RPC handlers.
func (m *Manager) Driver(connID string) (driver.Driver, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.conns[connID]
	if !ok || mc.drv == nil {
		return nil, false
	}
	return mc.drv, true
}

// Each calls fn with every live driver, for the reconciler.
func (m *Manager) Each(fn func(connID string, drv driver.Driver)) {
	m.mu.Lock()
	type pair struct {
		id  string
		drv driver.Driver
	}
	pairs := make([]pair, 0, len(m.conns))
	for id, mc := range m.conns {
		if mc.drv != nil {
			pairs = append(pairs, pair{id, mc.drv})
		}
	}
	m.mu.Unlock()
	for _, p := range pairs {
		fn(p.id, p.drv)
	}
}

// Statuses snapshots every connection's state for the health endpoint.
func (m *Manager) Statuses() map[string]driver.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]driver.Status, len(m.conns))
	for id, mc := range m.conns {
		out[id] = mc.status
	}
	return out
}

// ConnectedCount returns how many connections are currently up.
func (m *Manager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mc := range m.conns {
		if mc.status == driver.StatusConnected {
			n++
		}
	}
	return n
}

// Boot loads the enabled connection set from the store and applies it
// as a series of upserts.
func (m *Manager) Boot(ctx context.Context) error {
	conns, err := m.store.EnabledConnections(ctx)
	if err != nil {
		return fmt.Errorf("connman: boot: %w", err)
	}
	for i := range conns {
		c := conns[i]
		m.ApplyConfig(bus.ConfigEvent{Op: bus.ConfigOpUpsert, ID: c.ID, Conn: &c})
	}
	logging.DebugLog("connman", "boot: %d connections loading", len(conns))
	return nil
}

// Shutdown closes every connection and waits for the queues to drain.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id, mc := range m.conns {
		mc.deleted = true
		if mc.cancelConnect != nil {
			mc.cancelConnect()
		}
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		mc, ok := m.conns[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		m.enqueue(mc, func() { m.remove(mc, driver.StatusDisconnected, "service shutdown") })
	}
	m.wg.Wait()
}
