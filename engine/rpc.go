package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"fieldgate/bus"
	"fieldgate/driver"
	"fieldgate/eip"
	"fieldgate/logging"
	"fieldgate/opcua"
)

// rpcHandler is one request/reply endpoint on the bus.
type rpcHandler struct {
	subject string
	handle  func(data []byte) []byte
}

// rpcHandlers enumerates the discovery RPC surface: EIP identify,
// tag-list snapshots, type resolution and status, plus OPC UA browse
// and attribute reads.
func (e *Engine) rpcHandlers() []rpcHandler {
	return []rpcHandler{
		{bus.EIPRPCSubject("identify"), e.rpcEIPIdentify},
		{bus.EIPRPCSubject("status"), e.rpcEIPStatus},
		{bus.EIPRPCSubject("rack_config"), e.rpcEIPRackConfig},
		{bus.EIPRPCSubject("resolve_types"), e.rpcEIPResolveTypes},
		{bus.EIPRPCSubject("snapshot.create"), e.rpcEIPSnapshotCreate},
		{bus.EIPRPCSubject("snapshot.page"), e.rpcEIPSnapshotPage},
		{bus.EIPRPCSubject("snapshot.delete"), e.rpcEIPSnapshotDelete},
		{bus.EIPRPCSubject("snapshot.heartbeat"), e.rpcEIPSnapshotHeartbeat},
		{bus.OPCUARPCSubject("browse"), e.rpcOPCUABrowse},
		{bus.OPCUARPCSubject("attributes"), e.rpcOPCUAAttributes},
	}
}

type rpcError struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func rpcFail(context string, err error) []byte {
	logging.DebugError("rpc", context, err)
	out, _ := json.Marshal(rpcError{Error: err.Error()})
	return out
}

func rpcOK(v interface{}) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		return rpcFail("encode reply", err)
	}
	return out
}

// eipDriver resolves a connection id to its live EIP driver.
func (e *Engine) eipDriver(connID string) (*eip.Driver, error) {
	drv, ok := e.conns.Driver(connID)
	if !ok {
		return nil, fmt.Errorf("connection %q not live", connID)
	}
	ed, ok := drv.(*eip.Driver)
	if !ok {
		return nil, fmt.Errorf("connection %q is not an eip connection", connID)
	}
	return ed, nil
}

func (e *Engine) opcuaDriver(connID string) (*opcua.Driver, error) {
	drv, ok := e.conns.Driver(connID)
	if !ok {
		return nil, fmt.Errorf("connection %q not live", connID)
	}
	od, ok := drv.(*opcua.Driver)
	if !ok {
		return nil, fmt.Errorf("connection %q is not an opcua connection", connID)
	}
	return od, nil
}

type connRequest struct {
	ConnID string `json:"connection_id"`
}

func (e *Engine) rpcEIPIdentify(data []byte) []byte {
	var req connRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return rpcFail("eip identify", err)
	}
	ed, err := e.eipDriver(req.ConnID)
	if err != nil {
		return rpcFail("eip identify", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), driver.ReadTimeout)
	defer cancel()
	id, err := ed.Identify(ctx)
	if err != nil {
		return rpcFail("eip identify "+req.ConnID, err)
	}
	return rpcOK(struct {
		OK       bool          `json:"ok"`
		Identity *eip.Identity `json:"identity"`
	}{true, id})
}

func (e *Engine) rpcEIPStatus(data []byte) []byte {
	var req connRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return rpcFail("eip status", err)
	}
	ed, err := e.eipDriver(req.ConnID)
	if err != nil {
		return rpcFail("eip status", err)
	}
	return rpcOK(struct {
		OK        bool             `json:"ok"`
		Connected bool             `json:"connected"`
		Tuning    interface{}      `json:"tuning"`
		Stats     bus.StatusStats  `json:"stats"`
		ActiveTag int              `json:"active_tags"`
	}{true, ed.IsConnected(), ed.Tuning(), e.emitter.Stats(req.ConnID), len(ed.ListActiveTagIDs())})
}

// rpcEIPRackConfig reports the configured routing position together
// with the live chassis identity.
func (e *Engine) rpcEIPRackConfig(data []byte) []byte {
	var req connRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return rpcFail("eip rack_config", err)
	}
	ed, err := e.eipDriver(req.ConnID)
	if err != nil {
		return rpcFail("eip rack_config", err)
	}
	cfg, err := e.store.Connection(context.Background(), req.ConnID)
	if err != nil {
		return rpcFail("eip rack_config "+req.ConnID, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), driver.ReadTimeout)
	defer cancel()
	id, err := ed.Identify(ctx)
	if err != nil {
		return rpcFail("eip rack_config "+req.ConnID, err)
	}
	return rpcOK(struct {
		OK       bool          `json:"ok"`
		Rack     int           `json:"rack"`
		Slot     int           `json:"slot"`
		Identity *eip.Identity `json:"identity"`
	}{true, cfg.Rack, cfg.Slot, id})
}

func (e *Engine) rpcEIPResolveTypes(data []byte) []byte {
	var req struct {
		ConnID string   `json:"connection_id"`
		Names  []string `json:"names"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return rpcFail("eip resolve_types", err)
	}
	ed, err := e.eipDriver(req.ConnID)
	if err != nil {
		return rpcFail("eip resolve_types", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), driver.BrowseTimeout)
	defer cancel()
	types, err := ed.ResolveTypes(ctx, req.Names)
	if err != nil {
		return rpcFail("eip resolve_types "+req.ConnID, err)
	}
	return rpcOK(struct {
		OK    bool              `json:"ok"`
		Types map[string]string `json:"types"`
	}{true, types})
}

// rpcEIPSnapshotCreate walks the controller tag table once and parks
// the result in the driver's snapshot store for paging.
func (e *Engine) rpcEIPSnapshotCreate(data []byte) []byte {
	var req connRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return rpcFail("eip snapshot.create", err)
	}
	ed, err := e.eipDriver(req.ConnID)
	if err != nil {
		return rpcFail("eip snapshot.create", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), driver.SnapshotTimeout)
	defer cancel()
	tags, err := ed.ListTags(ctx)
	if err != nil {
		return rpcFail("eip snapshot.create "+req.ConnID, err)
	}
	snap := ed.Snapshots().Create(req.ConnID, tags)
	return rpcOK(struct {
		OK       bool          `json:"ok"`
		Snapshot *eip.Snapshot `json:"snapshot"`
	}{true, snap})
}

func (e *Engine) rpcEIPSnapshotPage(data []byte) []byte {
	var req struct {
		ConnID     string `json:"connection_id"`
		SnapshotID string `json:"snapshot_id"`
		Offset     int    `json:"offset"`
		Limit      int    `json:"limit"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return rpcFail("eip snapshot.page", err)
	}
	ed, err := e.eipDriver(req.ConnID)
	if err != nil {
		return rpcFail("eip snapshot.page", err)
	}
	tags, total, err := ed.Snapshots().Page(req.SnapshotID, req.Offset, req.Limit)
	if err != nil {
		return rpcFail("eip snapshot.page "+req.SnapshotID, err)
	}
	return rpcOK(struct {
		OK     bool          `json:"ok"`
		Tags   []eip.TagInfo `json:"tags"`
		Total  int           `json:"total"`
		Offset int           `json:"offset"`
	}{true, tags, total, req.Offset})
}

func (e *Engine) rpcEIPSnapshotDelete(data []byte) []byte {
	var req struct {
		ConnID     string `json:"connection_id"`
		SnapshotID string `json:"snapshot_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return rpcFail("eip snapshot.delete", err)
	}
	ed, err := e.eipDriver(req.ConnID)
	if err != nil {
		return rpcFail("eip snapshot.delete", err)
	}
	ed.Snapshots().Delete(req.SnapshotID)
	return rpcOK(struct {
		OK bool `json:"ok"`
	}{true})
}

func (e *Engine) rpcEIPSnapshotHeartbeat(data []byte) []byte {
	var req struct {
		ConnID     string `json:"connection_id"`
		SnapshotID string `json:"snapshot_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return rpcFail("eip snapshot.heartbeat", err)
	}
	ed, err := e.eipDriver(req.ConnID)
	if err != nil {
		return rpcFail("eip snapshot.heartbeat", err)
	}
	expires, err := ed.Snapshots().Heartbeat(req.SnapshotID)
	if err != nil {
		return rpcFail("eip snapshot.heartbeat "+req.SnapshotID, err)
	}
	return rpcOK(struct {
		OK        bool   `json:"ok"`
		ExpiresAt string `json:"expires_at"`
	}{true, expires.UTC().Format("2006-01-02T15:04:05.000Z07:00")})
}

func (e *Engine) rpcOPCUABrowse(data []byte) []byte {
	var req struct {
		ConnID string `json:"connection_id"`
		Node   string `json:"node"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return rpcFail("opcua browse", err)
	}
	od, err := e.opcuaDriver(req.ConnID)
	if err != nil {
		return rpcFail("opcua browse", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), driver.BrowseTimeout)
	defer cancel()
	items, err := od.Browse(ctx, req.Node)
	if err != nil {
		return rpcFail("opcua browse "+req.ConnID, err)
	}
	return rpcOK(struct {
		OK    bool                `json:"ok"`
		Items []driver.BrowseItem `json:"items"`
	}{true, items})
}

func (e *Engine) rpcOPCUAAttributes(data []byte) []byte {
	var req struct {
		ConnID string   `json:"connection_id"`
		Node   string   `json:"node"`
		Attrs  []uint32 `json:"attrs"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return rpcFail("opcua attributes", err)
	}
	od, err := e.opcuaDriver(req.ConnID)
	if err != nil {
		return rpcFail("opcua attributes", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), driver.BrowseTimeout)
	defer cancel()
	attrs, err := od.ReadAttributes(ctx, req.Node, req.Attrs)
	if err != nil {
		return rpcFail("opcua attributes "+req.ConnID, err)
	}
	out := make(map[string]interface{}, len(attrs))
	for id, v := range attrs {
		out[fmt.Sprintf("%d", id)] = v
	}
	return rpcOK(struct {
		OK         bool                   `json:"ok"`
		Attributes map[string]interface{} `json:"attributes"`
	}{true, out})
}
