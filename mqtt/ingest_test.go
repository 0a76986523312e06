package mqtt

import (
	"testing"
	"time"

	"fieldgate/config"
	"fieldgate/driver"
	"fieldgate/sparkplug"
)

func testIngester(cfg *config.ConnConfig, tags map[string]driver.Tag) (*ingester, chan driver.Observation) {
	obs := make(chan driver.Observation, 16)
	lookup := func(topic string) (driver.Tag, bool) {
		tag, ok := tags[topic]
		return tag, ok
	}
	return newIngester(cfg, lookup, obs), obs
}

func drain(ch chan driver.Observation) []driver.Observation {
	var out []driver.Observation
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

func TestIngestJSONPaths(t *testing.T) {
	cfg := &config.ConnConfig{ID: "mq1"}
	in, ch := testIngester(cfg, map[string]driver.Tag{
		"plant/line1/temp": {ID: 7, Path: "plant/line1/temp"},
	})
	sub := config.MQTTSubscription{
		Topic:         "plant/+/temp",
		PayloadFormat: "json",
		ValuePath:     "d.value",
		TimestampPath: "d.ts",
		QualityPath:   "d.q",
	}
	in.handle(sub, "plant/line1/temp", []byte(`{"d":{"value":21.5,"ts":"2026-03-01T12:00:00Z","q":0}}`))

	got := drain(ch)
	if len(got) != 1 {
		t.Fatalf("got %d observations, want 1", len(got))
	}
	o := got[0]
	if o.TagID != 7 || o.Value != 21.5 || o.Quality != driver.QualityGood {
		t.Errorf("unexpected observation %+v", o)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !o.Timestamp.Equal(want) {
		t.Errorf("timestamp %v, want %v", o.Timestamp, want)
	}
}

func TestIngestUnmatchedTopicKeepsPath(t *testing.T) {
	cfg := &config.ConnConfig{ID: "mq1"}
	in, ch := testIngester(cfg, nil)
	in.handle(config.MQTTSubscription{Topic: "raw/#", PayloadFormat: "raw"}, "raw/x", []byte("42"))

	got := drain(ch)
	if len(got) != 1 {
		t.Fatalf("got %d observations, want 1", len(got))
	}
	if got[0].TagID != 0 || got[0].TagPath != "raw/x" || got[0].Value != "42" {
		t.Errorf("unexpected observation %+v", got[0])
	}
}

func TestIngestFieldMappings(t *testing.T) {
	cfg := &config.ConnConfig{ID: "mq1"}
	in, ch := testIngester(cfg, nil)
	sub := config.MQTTSubscription{
		Topic:         "batch",
		PayloadFormat: "json",
		FieldMappings: []config.FieldMapping{
			{FieldPath: "temp", TagID: 1, DataType: "REAL"},
			{FieldPath: "missing", TagID: 2, OnFailure: "skip"},
			{FieldPath: "gone", TagID: 3, OnFailure: "use-null"},
			{FieldPath: "run", TagID: 4, DataType: "BOOL"},
		},
	}
	in.handle(sub, "batch", []byte(`{"temp":18.25,"run":1}`))

	got := drain(ch)
	if len(got) != 3 {
		t.Fatalf("got %d observations, want 3 (skip drops one)", len(got))
	}
	byTag := map[int64]driver.Observation{}
	for _, o := range got {
		byTag[o.TagID] = o
	}
	if o := byTag[1]; o.Value != 18.25 || o.Quality != driver.QualityGood {
		t.Errorf("tag 1: %+v", o)
	}
	if _, ok := byTag[2]; ok {
		t.Error("tag 2 should have been skipped")
	}
	if o := byTag[3]; o.Value != nil || o.Quality != driver.QualityBad {
		t.Errorf("tag 3 (use-null): %+v", o)
	}
	if o := byTag[4]; o.Value != true {
		t.Errorf("tag 4 BOOL coercion: %+v", o)
	}
}

func TestIngestSparkplugData(t *testing.T) {
	cfg := &config.ConnConfig{ID: "mq1", Protocol: "sparkplug"}
	topic := "spBv1.0/plant/NDATA/edge1"
	in, ch := testIngester(cfg, map[string]driver.Tag{
		topic + "/motor/rpm": {ID: 9, Path: topic + "/motor/rpm"},
	})

	payload, err := sparkplug.Encode(&sparkplug.Payload{
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Seq:       3,
		HasSeq:    true,
		Metrics: []sparkplug.Metric{
			{Name: "motor/rpm", DataType: sparkplug.DataTypeDouble, Value: 1450.0},
			{Name: "motor/fault", DataType: sparkplug.DataTypeBoolean, Value: false},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	in.handle(config.MQTTSubscription{Topic: "spBv1.0/#"}, topic, payload)

	got := drain(ch)
	if len(got) != 2 {
		t.Fatalf("got %d observations, want 2", len(got))
	}
	var rpm, fault *driver.Observation
	for i := range got {
		switch {
		case got[i].TagID == 9:
			rpm = &got[i]
		case got[i].TagPath == topic+"/motor/fault":
			fault = &got[i]
		}
	}
	if rpm == nil || rpm.Value != 1450.0 || rpm.TagPath != "" {
		t.Fatalf("rpm metric: %+v", rpm)
	}
	if fault == nil || fault.Value != false {
		t.Fatalf("fault metric: %+v", fault)
	}
}

func TestIngestSparkplugIgnoresCommands(t *testing.T) {
	cfg := &config.ConnConfig{ID: "mq1", Protocol: "sparkplug"}
	in, ch := testIngester(cfg, nil)
	in.handle(config.MQTTSubscription{Topic: "spBv1.0/#"}, "spBv1.0/plant/NCMD/edge1", []byte{0x08, 0x01})
	if got := drain(ch); len(got) != 0 {
		t.Fatalf("NCMD produced %d observations, want 0", len(got))
	}
}

func TestIngestRetention(t *testing.T) {
	cfg := &config.ConnConfig{ID: "mq1"}
	in, ch := testIngester(cfg, nil)
	sub := config.MQTTSubscription{Topic: "buf/#", PayloadFormat: "raw", BufferSize: 2}
	in.handle(sub, "buf/a", []byte("1"))
	in.handle(sub, "buf/a", []byte("2"))
	in.handle(sub, "buf/b", []byte("3"))
	drain(ch)

	recent := in.Recent("buf/#")
	if len(recent) != 2 {
		t.Fatalf("retained %d messages, want 2", len(recent))
	}
	if string(recent[0].Payload) != "2" || string(recent[1].Payload) != "3" {
		t.Errorf("ring kept %q then %q, want oldest evicted", recent[0].Payload, recent[1].Payload)
	}
}

func TestHandleTagTopic(t *testing.T) {
	cfg := &config.ConnConfig{ID: "mq1"}
	in, ch := testIngester(cfg, nil)
	tag := driver.Tag{ID: 12, Path: "devices/pump/state"}
	in.handleTagTopic(tag, tag.Path, []byte(`"running"`))

	got := drain(ch)
	if len(got) != 1 || got[0].TagID != 12 || got[0].Value != "running" {
		t.Fatalf("unexpected observations %+v", got)
	}
}
