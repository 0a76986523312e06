package bus

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSubjects(t *testing.T) {
	if got := StatusSubject("plc-1"); got != "connectivity.status.v1.plc-1" {
		t.Errorf("StatusSubject = %s", got)
	}
	if got := TelemetrySubject("plc-1"); got != "connectivity.telemetry.raw.plc-1" {
		t.Errorf("TelemetrySubject = %s", got)
	}
	if got := WriteSubject("plc-1"); got != "connectivity.telemetry.write.v1.plc-1" {
		t.Errorf("WriteSubject = %s", got)
	}
	if got := EIPRPCSubject("tag-list"); got != "connectivity.rpc.eip.tag-list" {
		t.Errorf("EIPRPCSubject = %s", got)
	}
	if got := OPCUARPCSubject("browse"); got != "connectivity.rpc.opcua.browse" {
		t.Errorf("OPCUARPCSubject = %s", got)
	}
}

func TestParseConfigUpsert(t *testing.T) {
	raw := `{
		"schema": "connectivity.config@v1",
		"ts": "2026-03-01T10:00:00.000Z",
		"op": "upsert",
		"conn": {
			"id": "plc-1", "name": "Press PLC", "type": "s7", "enabled": true,
			"host": "10.0.0.5", "rack": 0, "slot": 1,
			"future_field": {"nested": true}
		}
	}`
	ev, err := ParseConfigEvent([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Op != ConfigOpUpsert || ev.ID != "plc-1" {
		t.Fatalf("event %+v", ev)
	}
	if ev.Conn == nil || ev.Conn.Host != "10.0.0.5" || ev.Conn.Slot != 1 {
		t.Fatalf("conn %+v", ev.Conn)
	}
	if _, ok := ev.Conn.Extra["future_field"]; !ok {
		t.Fatal("unknown field not preserved")
	}
	if _, ok := ev.Conn.Extra["host"]; ok {
		t.Fatal("known field misfiled as unknown")
	}
	if _, ok := ev.Conn.Extra["rack"]; ok {
		t.Fatal("zero-valued known field misfiled as unknown")
	}

	// Round trip keeps the unknown field.
	out, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"future_field"`) {
		t.Errorf("round trip lost unknown field: %s", out)
	}
}

func TestParseConfigDelete(t *testing.T) {
	ev, err := ParseConfigEvent([]byte(`{"schema":"connectivity.config@v1","ts":"t","op":"delete","id":"plc-2"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Op != ConfigOpDelete || ev.ID != "plc-2" || ev.Conn != nil {
		t.Fatalf("event %+v", ev)
	}
}

func TestParseConfigRejects(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"op":"upsert"}`,                // no conn
		`{"op":"delete"}`,                // no id
		`{"op":"reticulate","id":"x"}`,   // unknown op
	} {
		if _, err := ParseConfigEvent([]byte(raw)); err == nil {
			t.Errorf("ParseConfigEvent(%q): expected error", raw)
		}
	}
}

func TestParseTagChangeEvent(t *testing.T) {
	ev, err := ParseTagChangeEvent([]byte(`{"schema":"connectivity.tags.changed@v1","ts":"t","connection_id":"plc-1","op":"tag_removed","tag_id":42}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Op != TagOpRemoved || ev.TagID != 42 || ev.ConnectionID != "plc-1" {
		t.Fatalf("event %+v", ev)
	}
	if _, err := ParseTagChangeEvent([]byte(`{"op":"tag_added"}`)); err == nil {
		t.Error("missing connection_id accepted")
	}
}

func TestParseWriteEvent(t *testing.T) {
	ev, err := ParseWriteEvent([]byte(`{"schema":"connectivity.telemetry.write@v1","ts":"t","requests":[{"tag_id":7,"v":12.5},{"tag_id":8,"v":true}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(ev.Requests) != 2 || ev.Requests[0].TagID != 7 || ev.Requests[0].V != 12.5 {
		t.Fatalf("event %+v", ev)
	}
	if _, err := ParseWriteEvent([]byte(`{"requests":[]}`)); err == nil {
		t.Error("empty write accepted")
	}
}

func TestStatusEventShape(t *testing.T) {
	out, err := json.Marshal(StatusEvent{
		Schema: SchemaStatus, TS: "t", ID: "plc-1", State: "error", Reason: "dial timeout",
		Stats: &StatusStats{RPS: 10.5, BPS: 2048, Errors: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"state":"error"`, `"reason":"dial timeout"`, `"rps":10.5`} {
		if !strings.Contains(string(out), want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
	// Reason and stats are optional.
	out, _ = json.Marshal(StatusEvent{Schema: SchemaStatus, TS: "t", ID: "x", State: "connected"})
	if strings.Contains(string(out), "reason") || strings.Contains(string(out), "stats") {
		t.Errorf("optional fields emitted empty: %s", out)
	}
}
