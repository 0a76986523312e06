package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNormalizeKind(t *testing.T) {
	tests := []struct {
		input  string
		want   ConnKind
		wantOK bool
	}{
		{"s7", KindS7, true},
		{"S7", KindS7, true},
		{"opcua-client", KindOPCUAClient, true},
		{"opcua_client", KindOPCUAClient, true},
		{"OPCUA_CLIENT", KindOPCUAClient, true},
		{"opcua", KindOPCUAClient, true},
		{"opcua-server", KindOPCUAServer, true},
		{"eip", KindEIP, true},
		{"ethernet_ip", KindEIP, true},
		{"mqtt", KindMQTT, true},
		{" mqtt ", KindMQTT, true},
		{"modbus", "modbus", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := NormalizeKind(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("NormalizeKind(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("NormalizeKind(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeDataType(t *testing.T) {
	tests := []struct {
		input string
		want  DataType
	}{
		{"int", TypeDInt},
		{"bigint", TypeLInt},
		{"float", TypeReal},
		{"double", TypeLReal},
		{"BOOL", TypeBool},
		{"word", TypeUInt},
		{"string", TypeString},
	}
	for _, tt := range tests {
		got, ok := NormalizeDataType(tt.input)
		if !ok || got != tt.want {
			t.Errorf("NormalizeDataType(%q) = %q ok=%v, want %q", tt.input, got, ok, tt.want)
		}
	}
	if _, ok := NormalizeDataType("complex128"); ok {
		t.Error("expected unknown type to be rejected")
	}
}

func TestDataTypeWidthSign(t *testing.T) {
	if TypeInt.Width() != 2 || !TypeInt.Signed() {
		t.Error("INT should be 2 bytes signed")
	}
	if TypeUDInt.Width() != 4 || TypeUDInt.Signed() {
		t.Error("UDINT should be 4 bytes unsigned")
	}
	if TypeLReal.Width() != 8 {
		t.Error("LREAL should be 8 bytes")
	}
	if TypeString.Width() != 0 {
		t.Error("STRING has no fixed width")
	}
	if TypeBool.Numeric() || TypeString.Numeric() {
		t.Error("BOOL and STRING are not numeric")
	}
	if !TypeReal.Numeric() {
		t.Error("REAL is numeric")
	}
}

func TestConnConfigEqual(t *testing.T) {
	a := &ConnConfig{ID: "c1", Type: "s7", Enabled: true, Host: "10.0.0.5", Port: 102, Rack: 0, Slot: 1}
	b := &ConnConfig{ID: "c1", Type: "s7", Enabled: true, Host: "10.0.0.5", Port: 102, Rack: 0, Slot: 1}
	if !a.Equal(b) {
		t.Error("identical configs should compare equal")
	}
	b.Slot = 2
	if a.Equal(b) {
		t.Error("differing slot should compare unequal")
	}
}

func TestEIPTuningClamp(t *testing.T) {
	tun := EIPTuning{MaxTagsPerRequest: 0, MaxBytesPerRequest: 999999, ShardBudget: 3.0, MinShardsPerTick: -1, TagOverheadBytes: 10000}
	tun.Clamp()
	if tun.MaxTagsPerRequest != 1 {
		t.Errorf("MaxTagsPerRequest = %d, want 1", tun.MaxTagsPerRequest)
	}
	if tun.MaxBytesPerRequest != 4000 {
		t.Errorf("MaxBytesPerRequest = %d, want 4000", tun.MaxBytesPerRequest)
	}
	if tun.ShardBudget != 0.5 {
		t.Errorf("ShardBudget = %f, want 0.5", tun.ShardBudget)
	}
	if tun.MinShardsPerTick != 1 {
		t.Errorf("MinShardsPerTick = %d, want 1", tun.MinShardsPerTick)
	}
	if tun.TagOverheadBytes != 256 {
		t.Errorf("TagOverheadBytes = %d, want 256", tun.TagOverheadBytes)
	}
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BusURL == "" || cfg.ReconcileInterval != 60*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	os.Setenv("FG_BUS_URL", "nats://bus:4222")
	os.Setenv("FG_RECONCILE_INTERVAL", "250ms")
	defer os.Unsetenv("FG_BUS_URL")
	defer os.Unsetenv("FG_RECONCILE_INTERVAL")

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BusURL != "nats://bus:4222" {
		t.Errorf("env override not applied: %s", cfg.BusURL)
	}
	// Reconcile interval is bounded to at least one second.
	if cfg.ReconcileInterval != time.Second {
		t.Errorf("ReconcileInterval = %v, want 1s floor", cfg.ReconcileInterval)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fieldgate.yaml")
	data := []byte("bus_url: nats://10.1.1.1:4222\nservice_id: edge-7\nhttp_port: 9000\neip:\n  max_tags_per_request: 11\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServiceID != "edge-7" || cfg.HTTPPort != 9000 {
		t.Errorf("yaml not applied: %+v", cfg)
	}
	if cfg.EIP.MaxTagsPerRequest != 11 {
		t.Errorf("eip tuning not applied: %+v", cfg.EIP)
	}
}
