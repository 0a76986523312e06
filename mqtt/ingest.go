package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"fieldgate/config"
	"fieldgate/driver"
	"fieldgate/logging"
	"fieldgate/sparkplug"
)

// tagLookup resolves an incoming topic to a topic-addressed tag.
type tagLookup func(topic string) (driver.Tag, bool)

// retained is one buffered ingress message.
type retained struct {
	Topic   string
	Payload []byte
	At      time.Time
}

// ingester turns broker messages into observations: JSON extraction,
// field mappings, Sparkplug dispatch, and per-subscription retention.
type ingester struct {
	cfg    *config.ConnConfig
	lookup tagLookup
	sink   chan<- driver.Observation

	bufMu   sync.Mutex
	buffers map[string][]retained // subscription topic -> ring
}

func newIngester(cfg *config.ConnConfig, lookup tagLookup, sink chan<- driver.Observation) *ingester {
	return &ingester{
		cfg:     cfg,
		lookup:  lookup,
		sink:    sink,
		buffers: make(map[string][]retained),
	}
}

// handle processes one message arriving on a configured subscription.
func (in *ingester) handle(sub config.MQTTSubscription, topic string, payload []byte) {
	in.retain(sub, topic, payload)

	// Sparkplug connections decode namespace traffic as Sparkplug B;
	// anything outside the namespace falls through to plain handling.
	if in.cfg.Protocol == "sparkplug" && strings.HasPrefix(topic, sparkplug.Namespace+"/") {
		in.handleSparkplug(topic, payload)
		return
	}

	if len(sub.FieldMappings) > 0 {
		in.handleFieldMappings(sub, topic, payload)
		return
	}

	value, ts, quality := in.extract(sub, topic, payload)
	tag, ok := in.lookup(topic)
	o := driver.Observation{
		ConnID:    in.cfg.ID,
		Timestamp: ts,
		Value:     value,
		Quality:   quality,
	}
	if ok {
		o.TagID = tag.ID
	} else {
		o.TagPath = topic
	}
	in.emit(o)
}

// handleTagTopic processes a message on a tag's own topic
// subscription.
func (in *ingester) handleTagTopic(tag driver.Tag, topic string, payload []byte) {
	value, ts, quality := in.extract(config.MQTTSubscription{PayloadFormat: "json"}, topic, payload)
	in.emit(driver.Observation{
		ConnID:    in.cfg.ID,
		TagID:     tag.ID,
		Timestamp: ts,
		Value:     value,
		Quality:   quality,
	})
}

// extract pulls (value, timestamp, quality) from a payload per the
// subscription's format and extractors. Raw format passes the payload
// through as a string.
func (in *ingester) extract(sub config.MQTTSubscription, topic string, payload []byte) (interface{}, time.Time, driver.Quality) {
	now := time.Now().UTC()

	if sub.PayloadFormat == "raw" {
		return string(payload), now, driver.QualityGood
	}

	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		// Unparseable JSON degrades to the raw string.
		return string(payload), now, driver.QualityUncertain
	}

	value := doc
	if sub.ValuePath != "" {
		v, err := ExtractPath(doc, sub.ValuePath)
		if err != nil {
			logging.DebugLog("mqtt", "conn %s topic %s: value path: %v", in.cfg.ID, topic, err)
			return nil, now, driver.QualityBad
		}
		value = v
	}

	ts := now
	if sub.TimestampPath != "" {
		if v, err := ExtractPath(doc, sub.TimestampPath); err == nil {
			if parsed, ok := parseTimestamp(v); ok {
				ts = parsed
			}
		}
	}

	quality := driver.QualityGood
	if sub.QualityPath != "" {
		if v, err := ExtractPath(doc, sub.QualityPath); err == nil {
			quality = parseQuality(v)
		}
	}
	return value, ts, quality
}

// handleFieldMappings fans one JSON document out to several tags.
func (in *ingester) handleFieldMappings(sub config.MQTTSubscription, topic string, payload []byte) {
	now := time.Now().UTC()
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		logging.DebugLog("mqtt", "conn %s topic %s: mapped payload is not JSON: %v", in.cfg.ID, topic, err)
		return
	}

	for _, fm := range sub.FieldMappings {
		value, err := ExtractPath(doc, fm.FieldPath)
		if err == nil && fm.DataType != "" {
			value, err = coerceMapped(value, fm.DataType)
		}
		if err != nil {
			switch fm.OnFailure {
			case "use-null":
				in.emit(driver.Observation{
					ConnID: in.cfg.ID, TagID: fm.TagID, Timestamp: now,
					Value: nil, Quality: driver.QualityBad,
				})
			default: // skip
			}
			continue
		}
		in.emit(driver.Observation{
			ConnID: in.cfg.ID, TagID: fm.TagID, Timestamp: now,
			Value: value, Quality: driver.QualityGood,
		})
	}
}

// handleSparkplug dispatches Sparkplug B kinds. BIRTH and DATA feed
// metrics into observations; DEATH emits a bad-quality marker per
// known metric topic. Unhandled kinds (commands, state) are dropped.
func (in *ingester) handleSparkplug(topic string, payload []byte) {
	t, err := sparkplug.ParseTopic(topic)
	if err != nil {
		logging.DebugLog("mqtt", "conn %s: %v", in.cfg.ID, err)
		return
	}
	if !t.Handled() {
		return
	}

	switch t.Kind {
	case sparkplug.NDeath, sparkplug.DDeath:
		in.emit(driver.Observation{
			ConnID:    in.cfg.ID,
			TagPath:   topic,
			Timestamp: time.Now().UTC(),
			Quality:   driver.QualityBad,
		})
		return
	}

	p, err := sparkplug.Decode(payload)
	if err != nil {
		logging.DebugError("mqtt", fmt.Sprintf("conn %s sparkplug decode %s", in.cfg.ID, topic), err)
		return
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	for _, m := range p.Metrics {
		mts := m.Timestamp
		if mts.IsZero() {
			mts = ts
		}
		quality := driver.QualityGood
		if m.IsNull {
			quality = driver.QualityBad
		}
		path := topic + "/" + m.Name
		o := driver.Observation{
			ConnID:    in.cfg.ID,
			TagPath:   path,
			Timestamp: mts,
			Value:     m.Value,
			Quality:   quality,
		}
		if tag, ok := in.lookup(path); ok {
			o.TagID = tag.ID
			o.TagPath = ""
		}
		in.emit(o)
	}
}

// retain appends to the subscription's ring buffer when retention is
// configured.
func (in *ingester) retain(sub config.MQTTSubscription, topic string, payload []byte) {
	if sub.BufferSize <= 0 {
		return
	}
	in.bufMu.Lock()
	buf := append(in.buffers[sub.Topic], retained{
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		At:      time.Now().UTC(),
	})
	if len(buf) > sub.BufferSize {
		buf = buf[len(buf)-sub.BufferSize:]
	}
	in.buffers[sub.Topic] = buf
	in.bufMu.Unlock()
}

// Recent returns the retained messages of one subscription, oldest
// first.
func (in *ingester) Recent(subTopic string) []retained {
	in.bufMu.Lock()
	defer in.bufMu.Unlock()
	buf := in.buffers[subTopic]
	out := make([]retained, len(buf))
	copy(out, buf)
	return out
}

// emit performs a non-blocking send; when the observation channel is
// full the newest sample is dropped and the next broker message
// supersedes it.
func (in *ingester) emit(o driver.Observation) {
	select {
	case in.sink <- o:
	default:
		logging.DebugLog("mqtt", "conn %s: observation channel full, dropping tag=%d path=%s", in.cfg.ID, o.TagID, o.TagPath)
	}
}

func parseTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), true
			}
		}
	case float64:
		// Epoch millis past ~2001, epoch seconds otherwise.
		if t > 1e12 {
			return time.UnixMilli(int64(t)).UTC(), true
		}
		return time.Unix(int64(t), 0).UTC(), true
	}
	return time.Time{}, false
}

func parseQuality(v interface{}) driver.Quality {
	switch q := v.(type) {
	case float64:
		switch {
		case q == 0:
			return driver.QualityGood
		case q < 0:
			return driver.QualityBad
		default:
			return driver.QualityUncertain
		}
	case string:
		switch strings.ToLower(q) {
		case "good", "ok":
			return driver.QualityGood
		case "bad":
			return driver.QualityBad
		}
	case bool:
		if q {
			return driver.QualityGood
		}
		return driver.QualityBad
	}
	return driver.QualityUncertain
}

// coerceMapped applies a field mapping's expected type.
func coerceMapped(value interface{}, dataType string) (interface{}, error) {
	dt, ok := config.NormalizeDataType(dataType)
	if !ok {
		return value, nil // unknown expectation passes through
	}
	switch {
	case dt == config.TypeBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case float64:
			return v != 0, nil
		case string:
			return v == "true" || v == "1", nil
		}
		return nil, fmt.Errorf("cannot coerce %T to BOOL", value)
	case dt == config.TypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", value), nil
	case dt.Numeric():
		switch v := value.(type) {
		case float64:
			return v, nil
		case bool:
			if v {
				return float64(1), nil
			}
			return float64(0), nil
		}
		return nil, fmt.Errorf("cannot coerce %T to %s", value, dt)
	}
	return value, nil
}
