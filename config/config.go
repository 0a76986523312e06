// Package config handles service configuration and the declarative
// connection records consumed by the acquisition engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConnKind identifies the protocol driver backing a connection.
type ConnKind string

const (
	KindOPCUAClient ConnKind = "opcua-client"
	KindOPCUAServer ConnKind = "opcua-server"
	KindS7          ConnKind = "s7"
	KindEIP         ConnKind = "eip"
	KindMQTT        ConnKind = "mqtt"
)

// NormalizeKind canonicalizes a kind string: lowercase, underscores
// folded to dashes. Returns the kind and whether it is recognized.
func NormalizeKind(s string) (ConnKind, bool) {
	k := ConnKind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	switch k {
	case KindOPCUAClient, KindOPCUAServer, KindS7, KindEIP, KindMQTT:
		return k, true
	case "opcua":
		return KindOPCUAClient, true
	case "ethernet-ip", "enip":
		return KindEIP, true
	}
	return k, false
}

// DataType is the semantic tag data type.
type DataType string

const (
	TypeBool   DataType = "BOOL"
	TypeSInt   DataType = "SINT"
	TypeInt    DataType = "INT"
	TypeDInt   DataType = "DINT"
	TypeLInt   DataType = "LINT"
	TypeUSInt  DataType = "USINT"
	TypeUInt   DataType = "UINT"
	TypeUDInt  DataType = "UDINT"
	TypeReal   DataType = "REAL"
	TypeLReal  DataType = "LREAL"
	TypeString DataType = "STRING"
)

// dataTypeAliases maps loose names accepted at the configuration
// boundary to canonical types.
var dataTypeAliases = map[string]DataType{
	"bool": TypeBool, "boolean": TypeBool, "bit": TypeBool,
	"sint": TypeSInt, "int8": TypeSInt, "byte": TypeUSInt,
	"int": TypeDInt, "int16": TypeInt, "short": TypeInt,
	"dint": TypeDInt, "int32": TypeDInt,
	"lint": TypeLInt, "int64": TypeLInt, "bigint": TypeLInt,
	"usint": TypeUSInt, "uint8": TypeUSInt,
	"uint": TypeUInt, "uint16": TypeUInt, "word": TypeUInt,
	"udint": TypeUDInt, "uint32": TypeUDInt, "dword": TypeUDInt,
	"real": TypeReal, "float": TypeReal, "float32": TypeReal,
	"lreal": TypeLReal, "double": TypeLReal, "float64": TypeLReal,
	"string": TypeString, "str": TypeString, "text": TypeString,
}

// NormalizeDataType canonicalizes a data type name.
func NormalizeDataType(s string) (DataType, bool) {
	dt, ok := dataTypeAliases[strings.ToLower(strings.TrimSpace(s))]
	return dt, ok
}

// Width returns the value width in bytes, or 0 for STRING.
func (t DataType) Width() int {
	switch t {
	case TypeBool, TypeSInt, TypeUSInt:
		return 1
	case TypeInt, TypeUInt:
		return 2
	case TypeDInt, TypeUDInt, TypeReal:
		return 4
	case TypeLInt, TypeLReal:
		return 8
	}
	return 0
}

// Signed reports whether the type carries a sign.
func (t DataType) Signed() bool {
	switch t {
	case TypeSInt, TypeInt, TypeDInt, TypeLInt, TypeReal, TypeLReal:
		return true
	}
	return false
}

// Numeric reports whether values of this type participate in deadband
// comparison.
func (t DataType) Numeric() bool {
	return t != TypeBool && t != TypeString
}

// TLSConfig carries PEM material for broker/endpoint TLS.
type TLSConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	CAPem   string `yaml:"ca_pem,omitempty" json:"ca_pem,omitempty"`
	CertPem string `yaml:"cert_pem,omitempty" json:"cert_pem,omitempty"`
	KeyPem  string `yaml:"key_pem,omitempty" json:"key_pem,omitempty"`
	// Insecure skips chain verification. Test rigs only.
	Insecure bool `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// MQTTSubscription declares an ingress topic subscription on an MQTT
// connection.
type MQTTSubscription struct {
	Topic         string         `yaml:"topic" json:"topic"`
	QoS           byte           `yaml:"qos" json:"qos"`
	PayloadFormat string         `yaml:"payload_format" json:"payload_format"` // json | raw
	ValuePath     string         `yaml:"value_path,omitempty" json:"value_path,omitempty"`
	TimestampPath string         `yaml:"timestamp_path,omitempty" json:"timestamp_path,omitempty"`
	QualityPath   string         `yaml:"quality_path,omitempty" json:"quality_path,omitempty"`
	BufferSize    int            `yaml:"buffer_size,omitempty" json:"buffer_size,omitempty"`
	FieldMappings []FieldMapping `yaml:"field_mappings,omitempty" json:"field_mappings,omitempty"`
}

// FieldMapping routes one JSON field of an ingress payload to a tag.
type FieldMapping struct {
	FieldPath string `yaml:"field_path" json:"field_path"`
	TagID     int64  `yaml:"tag_id" json:"tag_id"`
	DataType  string `yaml:"data_type,omitempty" json:"data_type,omitempty"`
	// OnFailure is "skip" or "use-null".
	OnFailure string `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
}

// PublisherMapping maps one tag to one egress MQTT topic.
type PublisherMapping struct {
	TagID     int64  `yaml:"tag_id" json:"tag_id"`
	Topic     string `yaml:"topic" json:"topic"`
	QoS       byte   `yaml:"qos" json:"qos"`
	Retain    bool   `yaml:"retain" json:"retain"`
	Transform string `yaml:"transform,omitempty" json:"transform,omitempty"`
}

// PublisherConfig declares one egress publisher on an MQTT connection.
type PublisherConfig struct {
	ID         int64              `yaml:"id" json:"id"`
	Name       string             `yaml:"name" json:"name"`
	Enabled    bool               `yaml:"enabled" json:"enabled"`
	Mode       string             `yaml:"mode" json:"mode"` // interval | on_change | both | sparkplug
	IntervalMs int                `yaml:"interval_ms,omitempty" json:"interval_ms,omitempty"`
	Format     string             `yaml:"format,omitempty" json:"format,omitempty"`
	Template   string             `yaml:"template,omitempty" json:"template,omitempty"`
	GroupID    string             `yaml:"group_id,omitempty" json:"group_id,omitempty"`
	EdgeNodeID string             `yaml:"edge_node_id,omitempty" json:"edge_node_id,omitempty"`
	DeviceID   string             `yaml:"device_id,omitempty" json:"device_id,omitempty"`
	Mappings   []PublisherMapping `yaml:"mappings,omitempty" json:"mappings,omitempty"`
}

// ConnConfig is the declarative definition of one connection as carried
// on the configuration bus. Unknown fields arriving over the bus are
// preserved in Extra so round-trips do not lose them.
type ConnConfig struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Type    string `yaml:"type" json:"type"`
	Enabled bool   `yaml:"enabled" json:"enabled"`

	// Endpoint for OPC UA (opc.tcp://...), Host/Port for the rest.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Host     string `yaml:"host,omitempty" json:"host,omitempty"`
	Port     int    `yaml:"port,omitempty" json:"port,omitempty"`

	Username string    `yaml:"username,omitempty" json:"username,omitempty"`
	Password string    `yaml:"password,omitempty" json:"password,omitempty"`
	TLS      TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`

	// OPC UA security selection; empty means None/None.
	SecurityPolicy string `yaml:"security_policy,omitempty" json:"security_policy,omitempty"`
	SecurityMode   string `yaml:"security_mode,omitempty" json:"security_mode,omitempty"`

	// S7
	Rack int `yaml:"rack,omitempty" json:"rack,omitempty"`
	Slot int `yaml:"slot,omitempty" json:"slot,omitempty"`

	// MQTT
	ClientID     string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	CleanSession bool   `yaml:"clean_session,omitempty" json:"clean_session,omitempty"`
	KeepAliveSec int    `yaml:"keep_alive_sec,omitempty" json:"keep_alive_sec,omitempty"`
	// Protocol selects the MQTT payload dialect: "" (plain) or "sparkplug".
	Protocol      string             `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	Subscriptions []MQTTSubscription `yaml:"subscriptions,omitempty" json:"subscriptions,omitempty"`
	Publishers    []PublisherConfig  `yaml:"publishers,omitempty" json:"publishers,omitempty"`

	// EIP batching overrides; zero value means service defaults.
	EIP EIPTuning `yaml:"eip,omitempty" json:"eip,omitempty"`

	// Extra preserves bus fields this build does not understand.
	Extra map[string]json.RawMessage `yaml:"-" json:"-"`
}

// Kind returns the normalized driver kind for the connection.
func (c *ConnConfig) Kind() (ConnKind, bool) {
	return NormalizeKind(c.Type)
}

// Address returns the dial address for host/port style connections.
func (c *ConnConfig) Address() string {
	if c.Port > 0 {
		return fmt.Sprintf("%s:%d", c.Host, c.Port)
	}
	return c.Host
}

// Equal reports whether two connection definitions are identical in
// content. Identical upserts must be no-ops (no reconnect, no status
// churn), so comparison covers every field the drivers consume.
func (c *ConnConfig) Equal(o *ConnConfig) bool {
	if c == nil || o == nil {
		return c == o
	}
	a, err1 := json.Marshal(c)
	b, err2 := json.Marshal(o)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(a) == string(b)
}

// EIPTuning holds live-updatable EtherNet/IP batching parameters.
type EIPTuning struct {
	MaxTagsPerRequest  int     `yaml:"max_tags_per_request" json:"max_tags_per_request"`
	MaxBytesPerRequest int     `yaml:"max_bytes_per_request" json:"max_bytes_per_request"`
	ShardBudget        float64 `yaml:"shard_budget" json:"shard_budget"` // fraction of the tick spent reading
	MinShardsPerTick   int     `yaml:"min_shards_per_tick" json:"min_shards_per_tick"`
	TagOverheadBytes   int     `yaml:"tag_overhead_bytes" json:"tag_overhead_bytes"`
}

// DefaultEIPTuning returns conservative defaults.
func DefaultEIPTuning() EIPTuning {
	return EIPTuning{
		MaxTagsPerRequest:  20,
		MaxBytesPerRequest: 480,
		ShardBudget:        0.5,
		MinShardsPerTick:   1,
		TagOverheadBytes:   24,
	}
}

// Clamp bounds the tuning values to sensible ranges.
func (t *EIPTuning) Clamp() {
	if t.MaxTagsPerRequest < 1 {
		t.MaxTagsPerRequest = 1
	} else if t.MaxTagsPerRequest > 100 {
		t.MaxTagsPerRequest = 100
	}
	if t.MaxBytesPerRequest < 64 {
		t.MaxBytesPerRequest = 64
	} else if t.MaxBytesPerRequest > 4000 {
		t.MaxBytesPerRequest = 4000
	}
	if t.ShardBudget <= 0 || t.ShardBudget > 1 {
		t.ShardBudget = 0.5
	}
	if t.MinShardsPerTick < 1 {
		t.MinShardsPerTick = 1
	} else if t.MinShardsPerTick > 32 {
		t.MinShardsPerTick = 32
	}
	if t.TagOverheadBytes < 0 {
		t.TagOverheadBytes = 0
	} else if t.TagOverheadBytes > 256 {
		t.TagOverheadBytes = 256
	}
}

// StoreConfig points at the metadata store.
type StoreConfig struct {
	DSN string `yaml:"dsn" json:"dsn"`
}

// ValkeyConfig enables the optional last-value cache mirror.
type ValkeyConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
}

// KafkaConfig enables the optional telemetry egress fan-out.
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Brokers  []string `yaml:"brokers" json:"brokers"`
	Topic    string   `yaml:"topic,omitempty" json:"topic,omitempty"`
	Username string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password string   `yaml:"password,omitempty" json:"password,omitempty"`
	SASL     string   `yaml:"sasl,omitempty" json:"sasl,omitempty"` // "", plain, scram-sha-256, scram-sha-512
	UseTLS   bool     `yaml:"use_tls,omitempty" json:"use_tls,omitempty"`
}

// Service is the process-level configuration, loaded from YAML with
// environment overrides applied on top.
type Service struct {
	BusURL    string `yaml:"bus_url"`
	ServiceID string `yaml:"service_id"`
	Namespace string `yaml:"namespace,omitempty"`

	HTTPHost string `yaml:"http_host"`
	HTTPPort int    `yaml:"http_port"`

	LogLevel string `yaml:"log_level,omitempty"`
	LogPath  string `yaml:"log_path,omitempty"`

	ReconcileInterval time.Duration `yaml:"reconcile_interval,omitempty"`
	MaxConnsPerHost   int           `yaml:"max_conns_per_host,omitempty"`

	EIP    EIPTuning    `yaml:"eip,omitempty"`
	Store  StoreConfig  `yaml:"store"`
	Valkey ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka  KafkaConfig  `yaml:"kafka,omitempty"`
}

// DefaultService returns the built-in defaults.
func DefaultService() *Service {
	return &Service{
		BusURL:            "nats://127.0.0.1:4222",
		ServiceID:         "fieldgate",
		HTTPHost:          "0.0.0.0",
		HTTPPort:          8093,
		LogLevel:          "info",
		ReconcileInterval: 60 * time.Second,
		MaxConnsPerHost:   8,
		EIP:               DefaultEIPTuning(),
	}
}

// Load reads the YAML file at path (a missing file is not an error),
// applies environment overrides, and normalizes bounds.
func Load(path string) (*Service, error) {
	cfg := DefaultService()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Service) applyEnv() {
	if v := os.Getenv("FG_BUS_URL"); v != "" {
		c.BusURL = v
	}
	if v := os.Getenv("FG_SERVICE_ID"); v != "" {
		c.ServiceID = v
	}
	if v := os.Getenv("FG_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("FG_HTTP_HOST"); v != "" {
		c.HTTPHost = v
	}
	if v := os.Getenv("FG_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = n
		}
	}
	if v := os.Getenv("FG_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("FG_LOG_PATH"); v != "" {
		c.LogPath = v
	}
	if v := os.Getenv("FG_RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ReconcileInterval = d
		} else if n, err := strconv.Atoi(v); err == nil {
			c.ReconcileInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("FG_MAX_CONNS_PER_HOST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConnsPerHost = n
		}
	}
	if v := os.Getenv("FG_PG_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("FG_VALKEY_ADDR"); v != "" {
		c.Valkey.Enabled = true
		c.Valkey.Addr = v
	}
	if v := os.Getenv("FG_KAFKA_BROKERS"); v != "" {
		c.Kafka.Enabled = true
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("FG_EIP_MAX_TAGS_PER_REQUEST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EIP.MaxTagsPerRequest = n
		}
	}
	if v := os.Getenv("FG_EIP_MAX_BYTES_PER_REQUEST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EIP.MaxBytesPerRequest = n
		}
	}
	if v := os.Getenv("FG_EIP_SHARD_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.EIP.ShardBudget = f
		}
	}
	if v := os.Getenv("FG_EIP_MIN_SHARDS_PER_TICK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EIP.MinShardsPerTick = n
		}
	}
	if v := os.Getenv("FG_EIP_TAG_OVERHEAD_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EIP.TagOverheadBytes = n
		}
	}
}

func (c *Service) normalize() {
	if c.ReconcileInterval < time.Second {
		c.ReconcileInterval = time.Second
	}
	if c.MaxConnsPerHost < 1 {
		c.MaxConnsPerHost = 1
	}
	if c.Kafka.Enabled && c.Kafka.Topic == "" {
		c.Kafka.Topic = "fieldgate.telemetry"
	}
	c.EIP.Clamp()
}
