// Package sparkplug implements the Sparkplug B pieces the gateway
// needs: topic parsing, payload encode/decode, and per-endpoint
// sequence/birth bookkeeping.
package sparkplug

import (
	"fmt"
	"strings"
)

// Namespace is the fixed Sparkplug B topic namespace.
const Namespace = "spBv1.0"

// MessageKind is the verb segment of a Sparkplug topic.
type MessageKind string

const (
	NBirth MessageKind = "NBIRTH"
	DBirth MessageKind = "DBIRTH"
	NData  MessageKind = "NDATA"
	DData  MessageKind = "DDATA"
	NDeath MessageKind = "NDEATH"
	DDeath MessageKind = "DDEATH"
	NCmd   MessageKind = "NCMD"
	DCmd   MessageKind = "DCMD"
)

// knownKinds are the kinds the ingress path dispatches; everything
// else on the namespace is ignored.
var knownKinds = map[MessageKind]bool{
	NBirth: true, DBirth: true,
	NData: true, DData: true,
	NDeath: true, DDeath: true,
}

// Topic is a parsed spBv1.0/<group>/<kind>/<node>[/<device>] topic.
type Topic struct {
	GroupID  string
	Kind     MessageKind
	NodeID   string
	DeviceID string
}

// IsDevice reports whether the topic addresses a device under the node.
func (t Topic) IsDevice() bool { return t.DeviceID != "" }

// Handled reports whether the ingress path dispatches this kind.
func (t Topic) Handled() bool { return knownKinds[t.Kind] }

// String renders the canonical topic.
func (t Topic) String() string {
	if t.DeviceID != "" {
		return fmt.Sprintf("%s/%s/%s/%s/%s", Namespace, t.GroupID, t.Kind, t.NodeID, t.DeviceID)
	}
	return fmt.Sprintf("%s/%s/%s/%s", Namespace, t.GroupID, t.Kind, t.NodeID)
}

// ParseTopic parses a Sparkplug topic. Topics outside the spBv1.0
// namespace are an error so callers can fall through to plain MQTT
// handling.
func ParseTopic(topic string) (Topic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || len(parts) > 5 {
		return Topic{}, fmt.Errorf("sparkplug topic needs 4 or 5 segments, got %d", len(parts))
	}
	if parts[0] != Namespace {
		return Topic{}, fmt.Errorf("topic %q is not in the %s namespace", topic, Namespace)
	}
	t := Topic{
		GroupID: parts[1],
		Kind:    MessageKind(parts[2]),
		NodeID:  parts[3],
	}
	if len(parts) == 5 {
		t.DeviceID = parts[4]
	}
	if t.GroupID == "" || t.NodeID == "" {
		return Topic{}, fmt.Errorf("topic %q has empty group or node segment", topic)
	}
	return t, nil
}

// DataKind returns the DATA verb matching a birth verb's scope.
func (t Topic) DataKind() MessageKind {
	if t.IsDevice() {
		return DData
	}
	return NData
}
