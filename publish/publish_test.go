package publish

import (
	"strings"
	"sync"
	"testing"
	"time"

	"fieldgate/config"
	"fieldgate/driver"
	"fieldgate/sparkplug"
)

type captured struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

type captureSink struct {
	mu   sync.Mutex
	msgs []captured
}

func (c *captureSink) sink(topic string, payload []byte, qos byte, retain bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, captured{topic, append([]byte(nil), payload...), qos, retain})
	return nil
}

func (c *captureSink) all() []captured {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]captured, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func obsAt(tagID int64, value interface{}) driver.Observation {
	return driver.Observation{
		ConnID: "c1", TagID: tagID, Value: value,
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Quality:   driver.QualityGood,
	}
}

func TestOnChangePublishesAndDedups(t *testing.T) {
	cs := &captureSink{}
	cfg := &config.ConnConfig{
		ID: "c1",
		Publishers: []config.PublisherConfig{{
			ID: 1, Enabled: true, Mode: "on_change",
			Mappings: []config.PublisherMapping{{TagID: 5, Topic: "out/temp", QoS: 1}},
		}},
	}
	e, err := New(cfg, cs.sink)
	if err != nil {
		t.Fatal(err)
	}
	e.SetTags([]driver.Tag{{ID: 5, Name: "temp", Path: "ns=2;s=Temp"}})

	e.Offer(obsAt(5, 21.5))
	e.Offer(obsAt(5, 21.5)) // identical, suppressed
	e.Offer(obsAt(5, 22.0))

	got := cs.all()
	if len(got) != 2 {
		t.Fatalf("published %d messages, want 2", len(got))
	}
	if got[0].Topic != "out/temp" || got[0].QoS != 1 {
		t.Errorf("message 0: %+v", got[0])
	}
	body := string(got[0].Payload)
	if !strings.Contains(body, `"value":21.5`) || !strings.Contains(body, `"name":"temp"`) {
		t.Errorf("payload %s", body)
	}
}

func TestSeedFeedsIntervalTick(t *testing.T) {
	cs := &captureSink{}
	cfg := &config.ConnConfig{
		ID: "c1",
		Publishers: []config.PublisherConfig{{
			ID: 1, Enabled: true, Mode: "interval",
			Mappings: []config.PublisherMapping{{TagID: 5, Topic: "out/temp"}},
		}},
	}
	e, err := New(cfg, cs.sink)
	if err != nil {
		t.Fatal(err)
	}
	e.SetTags([]driver.Tag{{ID: 5, Name: "temp", Path: "DB1.DBD0"}})

	// A persisted value stands in until the first live observation.
	e.Seed(5, 21.5, driver.QualityGood, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	e.tick(e.pubs[0])

	got := cs.all()
	if len(got) != 1 {
		t.Fatalf("published %d messages after seeded tick, want 1", len(got))
	}
	if !strings.Contains(string(got[0].Payload), `"value":21.5`) {
		t.Errorf("payload %s", got[0].Payload)
	}

	// A live value wins over any later seed.
	e.Offer(obsAt(5, 22.0))
	e.Seed(5, 99.0, driver.QualityGood, time.Now())
	e.tick(e.pubs[0])

	got = cs.all()
	last := got[len(got)-1]
	if !strings.Contains(string(last.Payload), `"value":22`) {
		t.Errorf("payload after live value %s", last.Payload)
	}
}

func TestSeedDoesNotFireOnChange(t *testing.T) {
	cs := &captureSink{}
	cfg := &config.ConnConfig{
		ID: "c1",
		Publishers: []config.PublisherConfig{{
			ID: 1, Enabled: true, Mode: "on_change",
			Mappings: []config.PublisherMapping{{TagID: 5, Topic: "out/temp"}},
		}},
	}
	e, err := New(cfg, cs.sink)
	if err != nil {
		t.Fatal(err)
	}
	e.Seed(5, 21.5, driver.QualityGood, time.Now())
	if n := len(cs.all()); n != 0 {
		t.Fatalf("seeding emitted %d on_change messages, want 0", n)
	}
}

func TestDisabledPublisherIgnored(t *testing.T) {
	cs := &captureSink{}
	cfg := &config.ConnConfig{
		ID: "c1",
		Publishers: []config.PublisherConfig{{
			ID: 1, Enabled: false, Mode: "on_change",
			Mappings: []config.PublisherMapping{{TagID: 5, Topic: "out/x"}},
		}},
	}
	e, err := New(cfg, cs.sink)
	if err != nil {
		t.Fatal(err)
	}
	e.Offer(obsAt(5, 1.0))
	if len(cs.all()) != 0 {
		t.Fatal("disabled publisher emitted")
	}
}

func TestTransformApplied(t *testing.T) {
	cs := &captureSink{}
	cfg := &config.ConnConfig{
		ID: "c1",
		Publishers: []config.PublisherConfig{{
			ID: 1, Enabled: true, Mode: "on_change",
			Mappings: []config.PublisherMapping{{
				TagID: 5, Topic: "out/f", Transform: "value * 1.8 + 32",
			}},
		}},
	}
	e, err := New(cfg, cs.sink)
	if err != nil {
		t.Fatal(err)
	}
	e.Offer(obsAt(5, 100.0))

	got := cs.all()
	if len(got) != 1 {
		t.Fatalf("published %d, want 1", len(got))
	}
	if !strings.Contains(string(got[0].Payload), `"value":212`) {
		t.Errorf("payload %s", got[0].Payload)
	}
}

func TestTransformFailureSkipsAndLogsOnce(t *testing.T) {
	cs := &captureSink{}
	cfg := &config.ConnConfig{
		ID: "c1",
		Publishers: []config.PublisherConfig{{
			ID: 1, Enabled: true, Mode: "on_change",
			Mappings: []config.PublisherMapping{{
				TagID: 5, Topic: "out/f", Transform: "value + 1",
			}},
		}},
	}
	e, err := New(cfg, cs.sink)
	if err != nil {
		t.Fatal(err)
	}
	e.Offer(obsAt(5, "notanumber"))
	e.Offer(obsAt(5, "still bad"))
	if len(cs.all()) != 0 {
		t.Fatal("failing transform must suppress publication")
	}
	// A good value afterwards still goes out.
	e.Offer(obsAt(5, 1.0))
	if len(cs.all()) != 1 {
		t.Fatal("recovery value not published")
	}
}

func TestBadTransformRejectedAtBuild(t *testing.T) {
	cfg := &config.ConnConfig{
		ID: "c1",
		Publishers: []config.PublisherConfig{{
			ID: 1, Enabled: true, Mode: "on_change",
			Mappings: []config.PublisherMapping{{TagID: 5, Topic: "t", Transform: "value +"}},
		}},
	}
	if _, err := New(cfg, (&captureSink{}).sink); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestTemplateRendering(t *testing.T) {
	cs := &captureSink{}
	cfg := &config.ConnConfig{
		ID: "c1",
		Publishers: []config.PublisherConfig{{
			ID: 1, Enabled: true, Mode: "on_change",
			Template: "{{name}}={{value}} @{{ts}}",
			Mappings: []config.PublisherMapping{{TagID: 5, Topic: "out/t"}},
		}},
	}
	e, err := New(cfg, cs.sink)
	if err != nil {
		t.Fatal(err)
	}
	e.SetTags([]driver.Tag{{ID: 5, Name: "temp"}})
	e.Offer(obsAt(5, 21.5))

	got := cs.all()
	if len(got) != 1 {
		t.Fatalf("published %d, want 1", len(got))
	}
	body := string(got[0].Payload)
	if !strings.HasPrefix(body, "temp=21.5 @2026-03-01T10:00:00.000Z") {
		t.Errorf("rendered %q", body)
	}
}

func TestIntervalTickPublishesLatest(t *testing.T) {
	cs := &captureSink{}
	cfg := &config.ConnConfig{
		ID: "c1",
		Publishers: []config.PublisherConfig{{
			ID: 1, Enabled: true, Mode: "interval", IntervalMs: 50,
			Mappings: []config.PublisherMapping{{TagID: 5, Topic: "out/i"}},
		}},
	}
	e, err := New(cfg, cs.sink)
	if err != nil {
		t.Fatal(err)
	}
	// No tick yet: interval mode must not publish on Offer.
	e.Offer(obsAt(5, 1.0))
	if len(cs.all()) != 0 {
		t.Fatal("interval publisher reacted to Offer")
	}
	e.Offer(obsAt(5, 2.0))
	e.tick(e.pubs[0])
	e.tick(e.pubs[0]) // interval mode repeats even without change

	got := cs.all()
	if len(got) != 2 {
		t.Fatalf("published %d, want 2", len(got))
	}
	for _, m := range got {
		if !strings.Contains(string(m.Payload), `"value":2`) {
			t.Errorf("payload %s", m.Payload)
		}
	}
}

func TestSparkplugBirthBeforeData(t *testing.T) {
	cs := &captureSink{}
	cfg := &config.ConnConfig{
		ID: "c1",
		Publishers: []config.PublisherConfig{{
			ID: 1, Enabled: true, Mode: "sparkplug",
			GroupID: "plant", EdgeNodeID: "edge1",
			Mappings: []config.PublisherMapping{
				{TagID: 5, Topic: "motor/rpm"},
				{TagID: 6, Topic: "motor/fault"},
			},
		}},
	}
	e, err := New(cfg, cs.sink)
	if err != nil {
		t.Fatal(err)
	}
	e.Offer(obsAt(5, 1450.0))
	e.Offer(obsAt(5, 1460.0))

	got := cs.all()
	if len(got) != 3 {
		t.Fatalf("published %d messages, want NBIRTH + 2 NDATA", len(got))
	}
	if got[0].Topic != "spBv1.0/plant/NBIRTH/edge1" {
		t.Fatalf("first topic %s, want NBIRTH", got[0].Topic)
	}
	birth, err := sparkplug.Decode(got[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if !birth.HasSeq || birth.Seq != 0 {
		t.Errorf("birth seq %d (hasSeq=%v), want 0", birth.Seq, birth.HasSeq)
	}
	if len(birth.Metrics) != 2 {
		t.Errorf("birth announced %d metrics, want 2", len(birth.Metrics))
	}

	for i, wantSeq := range []uint64{1, 2} {
		msg := got[i+1]
		if msg.Topic != "spBv1.0/plant/NDATA/edge1" {
			t.Fatalf("message %d topic %s", i+1, msg.Topic)
		}
		p, err := sparkplug.Decode(msg.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if p.Seq != wantSeq {
			t.Errorf("data %d seq %d, want %d", i, p.Seq, wantSeq)
		}
		if len(p.Metrics) != 1 || p.Metrics[0].Name != "motor/rpm" {
			t.Errorf("data %d metrics %+v", i, p.Metrics)
		}
	}
}

func TestSparkplugDeathOnStop(t *testing.T) {
	cs := &captureSink{}
	cfg := &config.ConnConfig{
		ID: "c1",
		Publishers: []config.PublisherConfig{{
			ID: 1, Enabled: true, Mode: "sparkplug",
			GroupID: "plant", EdgeNodeID: "edge1", DeviceID: "dev2",
			Mappings: []config.PublisherMapping{{TagID: 5, Topic: "m"}},
		}},
	}
	e, err := New(cfg, cs.sink)
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	e.Offer(obsAt(5, true))
	e.Stop()

	got := cs.all()
	if len(got) != 3 {
		t.Fatalf("published %d messages, want DBIRTH + DDATA + DDEATH", len(got))
	}
	if got[0].Topic != "spBv1.0/plant/DBIRTH/edge1/dev2" ||
		got[1].Topic != "spBv1.0/plant/DDATA/edge1/dev2" ||
		got[2].Topic != "spBv1.0/plant/DDEATH/edge1/dev2" {
		t.Errorf("topics %v %v %v", got[0].Topic, got[1].Topic, got[2].Topic)
	}
}

func TestSparkplugRequiresEndpoint(t *testing.T) {
	cfg := &config.ConnConfig{
		ID: "c1",
		Publishers: []config.PublisherConfig{{
			ID: 1, Enabled: true, Mode: "sparkplug",
			Mappings: []config.PublisherMapping{{TagID: 5, Topic: "m"}},
		}},
	}
	if _, err := New(cfg, (&captureSink{}).sink); err == nil {
		t.Fatal("expected error for missing group/node ids")
	}
}
