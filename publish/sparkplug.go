package publish

import (
	"fmt"
	"strconv"
	"time"

	"fieldgate/config"
	"fieldgate/driver"
	"fieldgate/logging"
	"fieldgate/sparkplug"
)

// sparkplugStream is the Sparkplug B egress of one publisher: BIRTH on
// first data (and after a death), DATA per change, DEATH on shutdown.
type sparkplugStream struct {
	group  string
	node   string
	device string
	state  *sparkplug.State
}

func newSparkplugStream(pc config.PublisherConfig) *sparkplugStream {
	return &sparkplugStream{
		group:  pc.GroupID,
		node:   pc.EdgeNodeID,
		device: pc.DeviceID,
		state:  sparkplug.NewState(),
	}
}

func (s *sparkplugStream) topic(kind sparkplug.MessageKind) string {
	t := sparkplug.Topic{GroupID: s.group, Kind: kind, NodeID: s.node, DeviceID: s.device}
	return t.String()
}

func (s *sparkplugStream) birthKind() sparkplug.MessageKind {
	if s.device != "" {
		return sparkplug.DBirth
	}
	return sparkplug.NBirth
}

func (s *sparkplugStream) dataKind() sparkplug.MessageKind {
	if s.device != "" {
		return sparkplug.DData
	}
	return sparkplug.NData
}

func (s *sparkplugStream) deathKind() sparkplug.MessageKind {
	if s.device != "" {
		return sparkplug.DDeath
	}
	return sparkplug.NDeath
}

// publish sends one metric change, preceding it with a BIRTH when the
// endpoint has not announced its metric set yet.
func (s *sparkplugStream) publish(sink Sink, p *publisher, meta driver.Tag, tagID int64, value interface{}, at time.Time) {
	if !s.state.Born(s.group, s.node, s.device) {
		if err := s.birth(sink, p); err != nil {
			logging.DebugError("publish", fmt.Sprintf("conn %s publisher %d sparkplug birth", p.connID, p.cfg.ID), err)
			return
		}
	}

	seq, err := s.state.NextData(s.group, s.node, s.device)
	if err != nil {
		logging.DebugError("publish", fmt.Sprintf("conn %s publisher %d", p.connID, p.cfg.ID), err)
		return
	}
	ts := at.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	payload, err := sparkplug.Encode(&sparkplug.Payload{
		Timestamp: ts,
		Seq:       seq,
		HasSeq:    true,
		Metrics: []sparkplug.Metric{{
			Name:      s.metricName(p, tagID, meta),
			Timestamp: ts,
			DataType:  sparkplug.DataTypeFor(value),
			IsNull:    value == nil,
			Value:     value,
		}},
	})
	if err != nil {
		logging.DebugError("publish", fmt.Sprintf("conn %s publisher %d encode", p.connID, p.cfg.ID), err)
		return
	}
	if err := sink(s.topic(s.dataKind()), payload, 0, false); err != nil {
		logging.DebugError("publish", fmt.Sprintf("conn %s publisher %d data", p.connID, p.cfg.ID), err)
	}
}

// birth announces the full metric set. Values that have not been seen
// yet go out as null metrics; subscribers learn names and aliases here.
func (s *sparkplugStream) birth(sink Sink, p *publisher) error {
	seq := s.state.NextBirth(s.group, s.node, s.device)
	now := time.Now().UTC()

	metrics := make([]sparkplug.Metric, 0, len(p.cfg.Mappings))
	for _, m := range p.cfg.Mappings {
		var value interface{}
		p.mu.Lock()
		if v, ok := p.published[m.TagID]; ok {
			value = v
		}
		p.mu.Unlock()
		metrics = append(metrics, sparkplug.Metric{
			Name:      s.metricName(p, m.TagID, driver.Tag{}),
			Timestamp: now,
			DataType:  sparkplug.DataTypeFor(value),
			IsNull:    value == nil,
			Value:     value,
		})
	}
	payload, err := sparkplug.Encode(&sparkplug.Payload{
		Timestamp: now,
		Seq:       seq,
		HasSeq:    true,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}
	return sink(s.topic(s.birthKind()), payload, 0, false)
}

// death publishes an empty DEATH payload and forgets the endpoint, so
// a restart re-births with seq 0.
func (s *sparkplugStream) death(sink Sink, p *publisher) {
	if !s.state.Born(s.group, s.node, s.device) {
		return
	}
	now := time.Now().UTC()
	payload, err := sparkplug.Encode(&sparkplug.Payload{Timestamp: now})
	if err == nil {
		if err := sink(s.topic(s.deathKind()), payload, 0, false); err != nil {
			logging.DebugError("publish", fmt.Sprintf("conn %s publisher %d death", p.connID, p.cfg.ID), err)
		}
	}
	s.state.Death(s.group, s.node, s.device)
}

// metricName prefers the mapping's topic override, then the tag name,
// then a stable synthetic name.
func (s *sparkplugStream) metricName(p *publisher, tagID int64, meta driver.Tag) string {
	if m, ok := p.byTag[tagID]; ok && m.Topic != "" {
		return m.Topic
	}
	if meta.Name != "" {
		return meta.Name
	}
	return "tag/" + strconv.FormatInt(tagID, 10)
}
