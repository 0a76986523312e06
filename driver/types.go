package driver

import (
	"time"

	"fieldgate/config"
	"fieldgate/detect"
)

// Quality grades a single observation.
type Quality int

const (
	QualityGood      Quality = 0
	QualityUncertain Quality = 1
	QualityBad       Quality = -1
)

// TagStatus is the metadata-store lifecycle state of a tag. Tags in
// pending_delete or deleting are treated as not subscribed; history
// purging happens outside the core.
type TagStatus string

const (
	TagActive        TagStatus = "active"
	TagPendingDelete TagStatus = "pending_delete"
	TagDeleting      TagStatus = "deleting"
	TagDeleted       TagStatus = "deleted"
)

// Tag is the runtime view of one acquired data point. Its authoritative
// definition lives in the metadata store; at runtime exactly one driver
// references it.
type Tag struct {
	ID          int64
	ConnID      string
	Kind        config.ConnKind
	Path        string // protocol-native address: NodeId, S7 address, EIP tag name, MQTT topic
	Name        string
	DataType    config.DataType
	PollGroupID int64
	Subscribed  bool
	Unit        string
	Policy      detect.Policy
	Status      TagStatus

	// GroupRate is the owning poll group's period, stamped by the
	// scheduler so batched read paths can budget against the tick.
	GroupRate time.Duration
}

// Active reports whether the tag should be polled.
func (t *Tag) Active() bool {
	return t.Subscribed && (t.Status == "" || t.Status == TagActive)
}

// PollGroup is a named poll rate shared by reference across tags.
type PollGroup struct {
	ID      int64
	Name    string
	RateMs  int
	Enabled bool
}

// Rate returns the group rate as a duration.
func (g PollGroup) Rate() time.Duration {
	return time.Duration(g.RateMs) * time.Millisecond
}

// TagGroup is one poll group together with the tags assigned to it, as
// handed to ApplyTagSubscriptions.
type TagGroup struct {
	Group PollGroup
	Tags  []Tag
}

// Observation is one normalized reading. Emitted, never stored by the
// core.
type Observation struct {
	ConnID    string
	TagID     int64
	TagPath   string // set for path-addressed ingress (MQTT) when no tag id applies
	Timestamp time.Time
	Value     interface{}
	Quality   Quality
}

// WriteRequest asks a driver to write one value.
type WriteRequest struct {
	TagID int64
	Path  string
	Type  config.DataType
	Value interface{}
}

// WriteResult is the per-request outcome of a write batch.
type WriteResult struct {
	TagID int64
	Err   error
}

// BrowseItem is one entry of a protocol namespace listing.
type BrowseItem struct {
	NodeID      string
	BrowseName  string
	DisplayName string
	NodeClass   string
	DataType    string // set for variables where the protocol exposes it
	HasChildren bool
}

// Status is the connection lifecycle state as published on the status
// subject.
type Status int

const (
	StatusUnknown Status = iota
	StatusDisabled
	StatusConnecting
	StatusConnected
	StatusError
	StatusDisconnected
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	case StatusDisconnected:
		return "disconnected"
	case StatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}
