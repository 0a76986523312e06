package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"fieldgate/config"
)

// Envelope schemas.
const (
	SchemaConfig      = "connectivity.config@v1"
	SchemaTagsChanged = "connectivity.tags.changed@v1"
	SchemaStatus      = "connectivity.status@v1"
	SchemaWrite       = "connectivity.telemetry.write@v1"
)

// Config event operations.
const (
	ConfigOpUpsert = "upsert"
	ConfigOpDelete = "delete"
)

// Tag change operations.
const (
	TagOpAdded              = "tag_added"
	TagOpPendingDelete      = "tag_pending_delete"
	TagOpRemoved            = "tag_removed"
	TagOpRestored           = "tag_restored"
	TagOpSubscriptionUpdate = "tag_subscription_update"
	TagOpConnectionRemoved  = "connection_removed"
	TagOpAddedSummary       = "tags_added_summary"
)

// ConfigEvent is one message on the configuration subject. Unknown
// fields of the conn document survive a decode/encode round trip so
// this service can forward configs it does not fully understand.
type ConfigEvent struct {
	Schema string             `json:"schema"`
	TS     string             `json:"ts"`
	Op     string             `json:"op"`
	ID     string             `json:"id,omitempty"`
	Conn   *config.ConnConfig `json:"-"`
}

type configEventWire struct {
	Schema string          `json:"schema"`
	TS     string          `json:"ts"`
	Op     string          `json:"op"`
	ID     string          `json:"id,omitempty"`
	Conn   json.RawMessage `json:"conn,omitempty"`
}

// ParseConfigEvent decodes a config envelope.
func ParseConfigEvent(data []byte) (ConfigEvent, error) {
	var wire configEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return ConfigEvent{}, fmt.Errorf("bus: config event: %w", err)
	}
	ev := ConfigEvent{Schema: wire.Schema, TS: wire.TS, Op: wire.Op, ID: wire.ID}
	switch wire.Op {
	case ConfigOpUpsert:
		if len(wire.Conn) == 0 {
			return ConfigEvent{}, fmt.Errorf("bus: config upsert without conn")
		}
		conn, err := UnmarshalConn(wire.Conn)
		if err != nil {
			return ConfigEvent{}, err
		}
		ev.Conn = conn
		if ev.ID == "" {
			ev.ID = conn.ID
		}
	case ConfigOpDelete:
		if ev.ID == "" {
			return ConfigEvent{}, fmt.Errorf("bus: config delete without id")
		}
	default:
		return ConfigEvent{}, fmt.Errorf("bus: config op %q not recognized", wire.Op)
	}
	return ev, nil
}

// MarshalJSON re-merges the preserved unknown conn fields.
func (e ConfigEvent) MarshalJSON() ([]byte, error) {
	wire := configEventWire{Schema: e.Schema, TS: e.TS, Op: e.Op, ID: e.ID}
	if wire.Schema == "" {
		wire.Schema = SchemaConfig
	}
	if wire.TS == "" {
		wire.TS = Now()
	}
	if e.Conn != nil {
		raw, err := MarshalConn(e.Conn)
		if err != nil {
			return nil, err
		}
		wire.Conn = raw
	}
	return json.Marshal(wire)
}

// UnmarshalConn decodes a connection document, stashing fields this
// build does not know about in Extra.
func UnmarshalConn(raw []byte) (*config.ConnConfig, error) {
	var c config.ConnConfig
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("bus: conn document: %w", err)
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("bus: conn document: %w", err)
	}
	known, err := json.Marshal(&c)
	if err != nil {
		return nil, err
	}
	var knownKeys map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownKeys); err != nil {
		return nil, err
	}
	for k := range knownKeys {
		delete(all, k)
	}
	// Known keys omitted from the round trip (omitempty zero values)
	// still belong to the struct, not to Extra.
	for _, k := range connFieldNames {
		delete(all, k)
	}
	if len(all) > 0 {
		c.Extra = all
	}
	return &c, nil
}

// MarshalConn encodes a connection document with its preserved unknown
// fields merged back in.
func MarshalConn(c *config.ConnConfig) ([]byte, error) {
	base, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// connFieldNames lists every JSON key the ConnConfig struct owns, so
// zero-valued omitempty fields are not misfiled as unknown.
var connFieldNames = []string{
	"id", "name", "type", "enabled",
	"endpoint", "host", "port",
	"username", "password", "tls",
	"security_policy", "security_mode",
	"rack", "slot",
	"client_id", "clean_session", "keep_alive_sec", "protocol",
	"subscriptions", "publishers",
	"eip",
}

// TagChangeEvent is one message on the tag change subject.
type TagChangeEvent struct {
	Schema       string `json:"schema"`
	TS           string `json:"ts"`
	ConnectionID string `json:"connection_id"`
	Op           string `json:"op"`
	TagID        int64  `json:"tag_id,omitempty"`
	Count        int    `json:"count,omitempty"` // tags_added_summary
}

// ParseTagChangeEvent decodes a tag change envelope.
func ParseTagChangeEvent(data []byte) (TagChangeEvent, error) {
	var ev TagChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return TagChangeEvent{}, fmt.Errorf("bus: tag change event: %w", err)
	}
	if ev.ConnectionID == "" {
		return TagChangeEvent{}, fmt.Errorf("bus: tag change without connection_id")
	}
	return ev, nil
}

// StatusStats is the rolling throughput block of a status event.
type StatusStats struct {
	RPS        float64 `json:"rps"`
	BPS        float64 `json:"bps"`
	Errors     int64   `json:"errors"`
	LastSeenTS string  `json:"last_seen_ts,omitempty"`
}

// StatusEvent is one message on a connection's status subject.
type StatusEvent struct {
	Schema string       `json:"schema"`
	TS     string       `json:"ts"`
	ID     string       `json:"id"`
	State  string       `json:"state"`
	Reason string       `json:"reason,omitempty"`
	Stats  *StatusStats `json:"stats,omitempty"`
}

// WriteItem is one tag write inside a write event.
type WriteItem struct {
	TagID int64       `json:"tag_id"`
	V     interface{} `json:"v"`
}

// WriteEvent is one message on a connection's write subject.
type WriteEvent struct {
	Schema   string      `json:"schema"`
	TS       string      `json:"ts"`
	Requests []WriteItem `json:"requests"`
}

// ParseWriteEvent decodes a write envelope.
func ParseWriteEvent(data []byte) (WriteEvent, error) {
	var ev WriteEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return WriteEvent{}, fmt.Errorf("bus: write event: %w", err)
	}
	if len(ev.Requests) == 0 {
		return WriteEvent{}, fmt.Errorf("bus: write event without requests")
	}
	return ev, nil
}

// Now formats the bus timestamp: ISO-8601 UTC with millisecond
// precision.
func Now() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
