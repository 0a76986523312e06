// Package publish runs the egress publisher engine of an MQTT
// connection: mapped tags are republished to broker topics on an
// interval, on change, or as Sparkplug B node data.
package publish

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"fieldgate/config"
	"fieldgate/driver"
	"fieldgate/logging"
	"fieldgate/transform"
)

// Sink delivers one outbound message to the broker. The MQTT driver's
// PublishRaw satisfies it.
type Sink func(topic string, payload []byte, qos byte, retain bool) error

const defaultIntervalMs = 1000

// sample is the engine's retained view of one tag.
type sample struct {
	Value   interface{}
	Quality driver.Quality
	At      time.Time
}

// Engine drives every enabled publisher of one connection.
type Engine struct {
	connID string
	sink   Sink
	pubs   []*publisher

	mu   sync.RWMutex
	meta map[int64]driver.Tag // id -> tag metadata for templates
	last map[int64]sample

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an engine from the connection's publisher configs.
// Transforms are compiled up front so a broken expression surfaces at
// config apply time, not on the hot path.
func New(cfg *config.ConnConfig, sink Sink) (*Engine, error) {
	e := &Engine{
		connID: cfg.ID,
		sink:   sink,
		meta:   make(map[int64]driver.Tag),
		last:   make(map[int64]sample),
	}
	for i := range cfg.Publishers {
		pc := cfg.Publishers[i]
		if !pc.Enabled {
			continue
		}
		p, err := newPublisher(cfg.ID, pc)
		if err != nil {
			return nil, err
		}
		e.pubs = append(e.pubs, p)
	}
	return e, nil
}

// SetTags refreshes the tag metadata used for template expansion and
// Sparkplug metric names.
func (e *Engine) SetTags(tags []driver.Tag) {
	meta := make(map[int64]driver.Tag, len(tags))
	for _, t := range tags {
		meta[t.ID] = t
	}
	e.mu.Lock()
	e.meta = meta
	e.mu.Unlock()
}

// Offer feeds one published change into the engine. on_change
// publishers react immediately; interval publishers pick the value up
// on their next tick.
func (e *Engine) Offer(o driver.Observation) {
	if o.TagID == 0 {
		return
	}
	e.mu.Lock()
	e.last[o.TagID] = sample{Value: o.Value, Quality: o.Quality, At: o.Timestamp}
	meta := e.meta[o.TagID]
	e.mu.Unlock()

	for _, p := range e.pubs {
		if p.onChange() {
			p.publishTag(e.sink, o.TagID, meta, sample{Value: o.Value, Quality: o.Quality, At: o.Timestamp})
		}
	}
}

// Seed installs a persisted current value for a tag that has not yet
// produced a live observation, so interval publishers have something to
// send from the first tick. A value already offered live wins; seeding
// never fires on_change publishers.
func (e *Engine) Seed(tagID int64, value interface{}, quality driver.Quality, at time.Time) {
	if tagID == 0 {
		return
	}
	e.mu.Lock()
	if _, ok := e.last[tagID]; !ok {
		e.last[tagID] = sample{Value: value, Quality: quality, At: at}
	}
	e.mu.Unlock()
}

// Start launches the interval tickers. Safe to call with no interval
// publishers; it then only serves on_change traffic via Offer.
func (e *Engine) Start() {
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	var wg sync.WaitGroup
	for _, p := range e.pubs {
		if !p.interval() {
			continue
		}
		wg.Add(1)
		go func(p *publisher) {
			defer wg.Done()
			e.runInterval(ctx, p)
		}(p)
	}
	go func() {
		wg.Wait()
		close(e.done)
	}()
}

// Stop halts tickers and, for Sparkplug publishers, emits NDEATH.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
		e.cancel = nil
	}
	for _, p := range e.pubs {
		p.shutdown(e.sink)
	}
}

func (e *Engine) runInterval(ctx context.Context, p *publisher) {
	ms := p.cfg.IntervalMs
	if ms <= 0 {
		ms = defaultIntervalMs
	}
	ticker := time.NewTicker(time.Duration(ms) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(p)
		}
	}
}

// tick publishes the current value of every mapped tag.
func (e *Engine) tick(p *publisher) {
	for _, m := range p.cfg.Mappings {
		e.mu.RLock()
		s, ok := e.last[m.TagID]
		meta := e.meta[m.TagID]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		p.publishTag(e.sink, m.TagID, meta, s)
	}
}

// publisher is one configured egress stream.
type publisher struct {
	connID string
	cfg    config.PublisherConfig

	byTag map[int64]config.PublisherMapping
	progs map[int64]*transform.Program

	mu        sync.Mutex
	published map[int64]interface{} // dedup for on_change
	badXform  map[int64]bool        // transforms already reported

	sp *sparkplugStream // nil unless mode == sparkplug
}

func newPublisher(connID string, pc config.PublisherConfig) (*publisher, error) {
	p := &publisher{
		connID:    connID,
		cfg:       pc,
		byTag:     make(map[int64]config.PublisherMapping, len(pc.Mappings)),
		progs:     make(map[int64]*transform.Program),
		published: make(map[int64]interface{}),
		badXform:  make(map[int64]bool),
	}
	for _, m := range pc.Mappings {
		p.byTag[m.TagID] = m
		if m.Transform != "" {
			prog, err := transform.Compile(m.Transform)
			if err != nil {
				return nil, fmt.Errorf("publisher %d tag %d: %w", pc.ID, m.TagID, err)
			}
			p.progs[m.TagID] = prog
		}
	}
	if pc.Mode == "sparkplug" {
		if pc.GroupID == "" || pc.EdgeNodeID == "" {
			return nil, fmt.Errorf("publisher %d: sparkplug mode needs group_id and edge_node_id", pc.ID)
		}
		p.sp = newSparkplugStream(pc)
	}
	return p, nil
}

func (p *publisher) onChange() bool {
	switch p.cfg.Mode {
	case "on_change", "both", "sparkplug":
		return true
	}
	return false
}

func (p *publisher) interval() bool {
	switch p.cfg.Mode {
	case "interval", "both":
		return true
	}
	return false
}

// publishTag emits one tag sample through this publisher. Values that
// transform identically to the last published value are suppressed in
// change-driven modes.
func (p *publisher) publishTag(sink Sink, tagID int64, meta driver.Tag, s sample) {
	m, ok := p.byTag[tagID]
	if !ok {
		return
	}

	value := s.Value
	if prog, ok := p.progs[tagID]; ok {
		v, err := prog.Eval(value)
		if err != nil {
			p.mu.Lock()
			seen := p.badXform[tagID]
			p.badXform[tagID] = true
			p.mu.Unlock()
			if !seen {
				logging.DebugError("publish", fmt.Sprintf("conn %s publisher %d tag %d transform", p.connID, p.cfg.ID, tagID), err)
			}
			return
		}
		value = v
	}

	if p.onChange() {
		p.mu.Lock()
		prev, seen := p.published[tagID]
		if seen && reflect.DeepEqual(prev, value) {
			p.mu.Unlock()
			return
		}
		p.published[tagID] = value
		p.mu.Unlock()
	}

	if p.sp != nil {
		p.sp.publish(sink, p, meta, tagID, value, s.At)
		return
	}

	payload := p.render(meta, value, s.At)
	if err := sink(m.Topic, payload, m.QoS, m.Retain); err != nil {
		logging.DebugError("publish", fmt.Sprintf("conn %s publisher %d topic %s", p.connID, p.cfg.ID, m.Topic), err)
	}
}

// render produces the outbound payload. A template wins over the
// format; the default format is a small JSON document.
func (p *publisher) render(meta driver.Tag, value interface{}, at time.Time) []byte {
	ts := at.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	if p.cfg.Template != "" {
		r := strings.NewReplacer(
			"{{value}}", formatValue(value),
			"{{ts}}", ts,
			"{{tag}}", meta.Path,
			"{{name}}", meta.Name,
		)
		return []byte(r.Replace(p.cfg.Template))
	}
	if p.cfg.Format == "value" {
		return []byte(formatValue(value))
	}
	return []byte(fmt.Sprintf(`{"tag":%s,"name":%s,"value":%s,"ts":%s}`,
		jsonString(meta.Path), jsonString(meta.Name), jsonValue(value), jsonString(ts)))
}

func (p *publisher) shutdown(sink Sink) {
	if p.sp != nil {
		p.sp.death(sink, p)
	}
}

func formatValue(v interface{}) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'g', -1, 32)
	case string:
		return n
	}
	return fmt.Sprintf("%v", v)
}

func jsonValue(v interface{}) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(n)
	case string:
		return jsonString(n)
	case float64, float32, int, int8, int16, int32, int64, uint8, uint16, uint32, uint64:
		return formatValue(v)
	}
	return jsonString(fmt.Sprintf("%v", v))
}

func jsonString(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if r < 0x20 {
				sb.WriteString(fmt.Sprintf(`\u%04x`, r))
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
