package engine

import (
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"fieldgate/bus"
	"fieldgate/config"
	"fieldgate/connman"
	"fieldgate/driver"
	"fieldgate/emit"
	"fieldgate/logging"
	"fieldgate/store"
)

// nopBus satisfies emit.Publisher without a broker.
type nopBus struct {
	mu       sync.Mutex
	subjects []string
}

func (b *nopBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	b.subjects = append(b.subjects, subject)
	b.mu.Unlock()
	return nil
}

func (b *nopBus) PublishJSON(subject string, v interface{}) error {
	return b.Publish(subject, nil)
}

func testEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	emitter := emit.New(&nopBus{}, nil, nil)
	e := &Engine{
		cfg:     config.DefaultService(),
		store:   st,
		emitter: emitter,
	}
	e.conns = connman.New(st, &statusSink{emitter: emitter}, emitter.Observation, e.cfg.MaxConnsPerHost)
	t.Cleanup(e.conns.Shutdown)
	return e, st
}

func TestStatusSinkMirrorsToServiceLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")
	fl, err := logging.NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}

	sink := &statusSink{emitter: emit.New(&nopBus{}, nil, nil), log: fl}
	sink.Status("plc-1", driver.StatusConnected, "")
	sink.Status("plc-1", driver.StatusError, "dial timeout")
	if err := fl.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	body := string(data)
	if !strings.Contains(body, "conn plc-1: connected") {
		t.Errorf("connected transition missing from service log: %s", body)
	}
	if !strings.Contains(body, "conn plc-1: error (dial timeout)") {
		t.Errorf("error transition missing from service log: %s", body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	e, _ := testEngine(t)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	e.healthRouter().ServeHTTP(rec, req)

	// No bus connection in the harness, so the endpoint degrades.
	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503 without a bus", rec.Code)
	}
	var reply healthReply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if reply.Service != "fieldgate" {
		t.Fatalf("service = %q", reply.Service)
	}
	if reply.BusOK {
		t.Fatal("bus_ok should be false")
	}
	if !reply.DatabaseOK {
		t.Fatal("database_ok should be true for the memory store")
	}
	if reply.TS == "" {
		t.Fatal("ts missing")
	}
}

func TestHealthReportsDatabaseFailure(t *testing.T) {
	e, st := testEngine(t)
	st.SetPingErr(errPing)

	rec := httptest.NewRecorder()
	e.healthRouter().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	var reply healthReply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if reply.DatabaseOK {
		t.Fatal("database_ok should be false when ping fails")
	}
}

var errPing = &pingError{}

type pingError struct{}

func (*pingError) Error() string { return "connection refused" }

func TestOnConfigIgnoresGarbage(t *testing.T) {
	e, _ := testEngine(t)
	e.onConfig(bus.SubjectConfig, []byte(`{"op":"explode"}`))
	e.onConfig(bus.SubjectConfig, []byte(`not json`))
	if got := len(e.conns.Statuses()); got != 0 {
		t.Fatalf("connections registered from garbage events: %d", got)
	}
}

func TestOnWriteRejectsMalformedSubject(t *testing.T) {
	e, _ := testEngine(t)
	body, _ := json.Marshal(bus.WriteEvent{Requests: []bus.WriteItem{{TagID: 1, V: 2}}})
	e.onWrite(bus.WriteSubject("")+"a.b", body)
	e.onWrite(bus.WriteSubject(""), body)
	e.wg.Wait()
}

func TestOnTagChangeFastPath(t *testing.T) {
	e, _ := testEngine(t)
	// Unknown connection: both paths must be harmless no-ops.
	e.onTagChange(bus.SubjectTagsChanged, mustJSON(t, bus.TagChangeEvent{
		ConnectionID: "ghost", Op: bus.TagOpRemoved, TagID: 42,
	}))
	e.onTagChange(bus.SubjectTagsChanged, mustJSON(t, bus.TagChangeEvent{
		ConnectionID: "ghost", Op: bus.TagOpAdded,
	}))
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	out, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestRPCHandlersRejectUnknownConnections(t *testing.T) {
	e, _ := testEngine(t)
	req := mustJSON(t, map[string]string{"connection_id": "ghost"})
	for _, h := range e.rpcHandlers() {
		reply := h.handle(req)
		var out struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(reply, &out); err != nil {
			t.Fatalf("%s: reply not json: %v", h.subject, err)
		}
		if out.OK || out.Error == "" {
			t.Fatalf("%s: expected error reply, got %s", h.subject, reply)
		}
	}
}

func TestRegisterDriversCoversAllKinds(t *testing.T) {
	registerDrivers()
	kinds := driver.RegisteredKinds()
	want := map[config.ConnKind]bool{
		config.KindOPCUAClient: true,
		config.KindOPCUAServer: true,
		config.KindS7:          true,
		config.KindEIP:         true,
		config.KindMQTT:        true,
	}
	for _, k := range kinds {
		delete(want, k)
	}
	if len(want) != 0 {
		t.Fatalf("kinds missing factories: %v", want)
	}
}
