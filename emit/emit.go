// Package emit publishes telemetry and status. Observations become
// JSON records on the per-connection telemetry subject; a one second
// window per connection accumulates throughput numbers that ride along
// on status events. Optional valkey/kafka mirrors hang off the same
// path.
package emit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fieldgate/bus"
	"fieldgate/driver"
	"fieldgate/kafka"
	"fieldgate/logging"
	"fieldgate/valkey"
)

const statsWindow = time.Second

// tsFormat is ISO-8601 UTC with millisecond precision.
const tsFormat = "2006-01-02T15:04:05.000Z07:00"

// Record is the wire form of one observation.
type Record struct {
	ConnectionID string      `json:"connection_id"`
	TagID        int64       `json:"tag_id,omitempty"`
	TagPath      string      `json:"tag_path,omitempty"`
	TS           string      `json:"ts"`
	V            interface{} `json:"v"`
	Q            int         `json:"q"`
}

// window accumulates one connection's throughput.
type window struct {
	start    time.Time
	count    int64
	bytes    int64
	winErrs  int64
	errors   int64 // lifetime
	lastSeen time.Time

	// dirty marks traffic since the last periodic status report.
	dirty bool

	// settled stats of the last completed window
	rps float64
	bps float64
}

// Publisher is the slice of the bus client the emitter needs; tests
// substitute a capture fake.
type Publisher interface {
	Publish(subject string, data []byte) error
	PublishJSON(subject string, v interface{}) error
}

// Emitter fans observations out to the bus and the optional mirrors.
type Emitter struct {
	bus    Publisher
	cache  *valkey.Cache
	egress *kafka.Egress

	mu      sync.Mutex
	windows map[string]*window
	states  map[string]driver.Status

	now func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(b Publisher, cache *valkey.Cache, egress *kafka.Egress) *Emitter {
	return &Emitter{
		bus:     b,
		cache:   cache,
		egress:  egress,
		windows: make(map[string]*window),
		states:  make(map[string]driver.Status),
		now:     time.Now,
	}
}

// Start launches the periodic status reporter: every time a
// connection's stats window closes with traffic in it, a status event
// with the settled numbers goes out, so steadily polling connections
// report throughput between state transitions.
func (e *Emitter) Start() {
	if e.stop != nil {
		return
	}
	e.stop = make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(statsWindow)
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				e.flush()
			}
		}
	}()
}

// Stop halts the periodic reporter.
func (e *Emitter) Stop() {
	if e.stop == nil {
		return
	}
	close(e.stop)
	e.wg.Wait()
	e.stop = nil
}

// flush publishes a status event for every connection whose window
// closed since the last report. Idle connections stay quiet.
func (e *Emitter) flush() {
	type report struct {
		id    string
		state driver.Status
		stats bus.StatusStats
	}
	var due []report

	e.mu.Lock()
	for id, w := range e.windows {
		if !w.dirty || e.now().Sub(w.start) < statsWindow {
			continue
		}
		w = e.window(id) // rolls over, settling rps/bps
		w.dirty = false
		stats := bus.StatusStats{RPS: w.rps, BPS: w.bps, Errors: w.errors}
		if !w.lastSeen.IsZero() {
			stats.LastSeenTS = w.lastSeen.Format(tsFormat)
		}
		due = append(due, report{id: id, state: e.states[id], stats: stats})
	}
	e.mu.Unlock()

	for _, r := range due {
		ev := bus.StatusEvent{
			Schema: bus.SchemaStatus,
			TS:     bus.Now(),
			ID:     r.id,
			State:  r.state.String(),
			Stats:  &r.stats,
		}
		if err := e.bus.PublishJSON(bus.StatusSubject(r.id), ev); err != nil {
			logging.DebugError("emit", "status "+r.id, err)
		}
	}
}

// Observation encodes and publishes one reading. Mirror failures count
// against the connection's error counter but never block telemetry.
func (e *Emitter) Observation(o driver.Observation) {
	rec := Record{
		ConnectionID: o.ConnID,
		TagID:        o.TagID,
		TagPath:      o.TagPath,
		TS:           o.Timestamp.UTC().Format(tsFormat),
		V:            o.Value,
		Q:            int(o.Quality),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		e.CountError(o.ConnID)
		return
	}

	if err := e.bus.Publish(bus.TelemetrySubject(o.ConnID), data); err != nil {
		e.CountError(o.ConnID)
		logging.DebugError("emit", "publish "+o.ConnID, err)
	}

	e.mu.Lock()
	w := e.window(o.ConnID)
	w.count++
	w.bytes += int64(len(data))
	w.lastSeen = e.now().UTC()
	w.dirty = true
	e.mu.Unlock()

	ctx := context.Background()
	if err := e.cache.Put(ctx, o); err != nil {
		e.CountError(o.ConnID)
		logging.DebugError("emit", "valkey mirror "+o.ConnID, err)
	}
	if err := e.egress.Produce(ctx, o.ConnID, data); err != nil {
		e.CountError(o.ConnID)
		logging.DebugError("emit", "kafka mirror "+o.ConnID, err)
	}
}

// CountError records a non-observation error against a connection.
func (e *Emitter) CountError(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.window(connID)
	w.winErrs++
	w.errors++
	w.dirty = true
}

// window returns the connection's accumulator, rolling it over when
// the second has elapsed. Callers hold e.mu.
func (e *Emitter) window(connID string) *window {
	w, ok := e.windows[connID]
	now := e.now()
	if !ok {
		w = &window{start: now}
		e.windows[connID] = w
		return w
	}
	if elapsed := now.Sub(w.start); elapsed >= statsWindow {
		secs := elapsed.Seconds()
		w.rps = float64(w.count) / secs
		w.bps = float64(w.bytes) / secs
		w.count, w.bytes, w.winErrs = 0, 0, 0
		w.start = now
	}
	return w
}

// Stats returns the last settled window of a connection.
func (e *Emitter) Stats(connID string) bus.StatusStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.window(connID)
	s := bus.StatusStats{RPS: w.rps, BPS: w.bps, Errors: w.errors}
	if !w.lastSeen.IsZero() {
		s.LastSeenTS = w.lastSeen.Format(tsFormat)
	}
	return s
}

// Status publishes a connection state transition with current stats.
func (e *Emitter) Status(connID string, state driver.Status, reason string) {
	e.mu.Lock()
	e.states[connID] = state
	e.mu.Unlock()
	stats := e.Stats(connID)
	ev := bus.StatusEvent{
		Schema: bus.SchemaStatus,
		TS:     bus.Now(),
		ID:     connID,
		State:  state.String(),
		Reason: reason,
		Stats:  &stats,
	}
	if err := e.bus.PublishJSON(bus.StatusSubject(connID), ev); err != nil {
		logging.DebugError("emit", "status "+connID, err)
	}
}

// DropConn forgets a deleted connection's counters and cache entries.
func (e *Emitter) DropConn(connID string) {
	e.mu.Lock()
	delete(e.windows, connID)
	delete(e.states, connID)
	e.mu.Unlock()
	if err := e.cache.DeleteConn(context.Background(), connID); err != nil {
		logging.DebugError("emit", "valkey delete "+connID, err)
	}
}
