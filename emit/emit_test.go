package emit

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"fieldgate/bus"
	"fieldgate/driver"
)

type fakeBus struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func newFakeBus() *fakeBus { return &fakeBus{msgs: make(map[string][][]byte)} }

func (f *fakeBus) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[subject] = append(f.msgs[subject], append([]byte(nil), data...))
	return nil
}

func (f *fakeBus) PublishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.Publish(subject, data)
}

func (f *fakeBus) on(subject string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[subject]
}

func testEmitter() (*Emitter, *fakeBus, *time.Time) {
	fb := newFakeBus()
	e := New(fb, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, fb, &now
}

func TestObservationEncoding(t *testing.T) {
	e, fb, _ := testEmitter()
	e.Observation(driver.Observation{
		ConnID:    "plc-1",
		TagID:     7,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		Value:     21.5,
		Quality:   driver.QualityGood,
	})

	msgs := fb.on("connectivity.telemetry.raw.plc-1")
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	var rec Record
	if err := json.Unmarshal(msgs[0], &rec); err != nil {
		t.Fatal(err)
	}
	if rec.ConnectionID != "plc-1" || rec.TagID != 7 || rec.V != 21.5 || rec.Q != 0 {
		t.Errorf("record %+v", rec)
	}
	if rec.TS != "2026-03-01T12:00:00.123Z" {
		t.Errorf("ts %q, want millisecond ISO-8601 UTC", rec.TS)
	}
	if strings.Contains(string(msgs[0]), "tag_path") {
		t.Error("tag_path must be omitted for id-addressed observations")
	}
}

func TestObservationPathAddressed(t *testing.T) {
	e, fb, _ := testEmitter()
	e.Observation(driver.Observation{
		ConnID: "mq-1", TagPath: "plant/line1/temp",
		Timestamp: time.Now(), Value: "x", Quality: driver.QualityUncertain,
	})
	msgs := fb.on("connectivity.telemetry.raw.mq-1")
	if len(msgs) != 1 {
		t.Fatalf("published %d messages", len(msgs))
	}
	body := string(msgs[0])
	if !strings.Contains(body, `"tag_path":"plant/line1/temp"`) || strings.Contains(body, "tag_id") {
		t.Errorf("payload %s", body)
	}
	if !strings.Contains(body, `"q":1`) {
		t.Errorf("quality missing: %s", body)
	}
}

func TestWindowRollover(t *testing.T) {
	e, _, now := testEmitter()
	base := *now
	for i := 0; i < 10; i++ {
		e.Observation(driver.Observation{ConnID: "c", TagID: 1, Timestamp: base, Value: float64(i)})
	}
	e.CountError("c")

	// Inside the first second: settled stats still zero, lifetime
	// errors already counted.
	s := e.Stats("c")
	if s.RPS != 0 || s.Errors != 1 {
		t.Errorf("mid-window stats %+v", s)
	}

	*now = base.Add(statsWindow)
	s = e.Stats("c")
	if s.RPS != 10 {
		t.Errorf("rps %v, want 10", s.RPS)
	}
	if s.BPS <= 0 {
		t.Errorf("bps %v, want > 0", s.BPS)
	}
	if s.Errors != 1 {
		t.Errorf("lifetime errors %d, want 1", s.Errors)
	}

	// A fresh empty window settles to zero rates.
	*now = base.Add(3 * statsWindow)
	s = e.Stats("c")
	if s.RPS != 0 {
		t.Errorf("idle rps %v, want 0", s.RPS)
	}
}

func TestPeriodicFlushReportsThroughput(t *testing.T) {
	e, fb, now := testEmitter()
	base := *now

	e.Status("c", driver.StatusConnected, "")
	before := len(fb.on(bus.StatusSubject("c")))

	for i := 0; i < 10; i++ {
		e.Observation(driver.Observation{ConnID: "c", TagID: 1, Timestamp: base, Value: float64(i)})
	}

	// A steadily polling connection with no state transitions must
	// still report throughput once its window closes.
	*now = base.Add(statsWindow)
	e.flush()

	msgs := fb.on(bus.StatusSubject("c"))
	if len(msgs) != before+1 {
		t.Fatalf("status events = %d, want %d", len(msgs), before+1)
	}
	var ev bus.StatusEvent
	if err := json.Unmarshal(msgs[len(msgs)-1], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.State != "connected" {
		t.Errorf("state %q, want the last reported state", ev.State)
	}
	if ev.Stats == nil || ev.Stats.RPS != 10 {
		t.Errorf("stats %+v, want rps 10", ev.Stats)
	}
	if ev.Stats != nil && ev.Stats.LastSeenTS == "" {
		t.Error("last_seen_ts missing")
	}

	// No traffic since: the next flush stays quiet.
	*now = base.Add(2 * statsWindow)
	e.flush()
	if n := len(fb.on(bus.StatusSubject("c"))); n != before+1 {
		t.Errorf("idle flush published %d extra events", n-before-1)
	}
}

func TestStatusEvent(t *testing.T) {
	e, fb, _ := testEmitter()
	e.Status("plc-1", driver.StatusError, "dial timeout")

	msgs := fb.on(bus.StatusSubject("plc-1"))
	if len(msgs) != 1 {
		t.Fatalf("published %d status events", len(msgs))
	}
	var ev bus.StatusEvent
	if err := json.Unmarshal(msgs[0], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Schema != bus.SchemaStatus || ev.ID != "plc-1" || ev.State != "error" || ev.Reason != "dial timeout" {
		t.Errorf("event %+v", ev)
	}
	if ev.Stats == nil {
		t.Error("stats block missing")
	}
}

func TestDropConnForgetsCounters(t *testing.T) {
	e, _, _ := testEmitter()
	e.CountError("c")
	e.DropConn("c")
	if s := e.Stats("c"); s.Errors != 0 {
		t.Errorf("errors survived drop: %+v", s)
	}
}
