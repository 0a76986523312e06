package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"fieldgate/bus"
	"fieldgate/driver"
	"fieldgate/logging"
)

// subscribeAll installs every bus subscription: config, tag changes,
// writes, and the discovery RPCs.
func (e *Engine) subscribeAll() error {
	type sub struct {
		subject string
		install func() (*nats.Subscription, error)
	}
	subs := []sub{
		{bus.SubjectConfig, func() (*nats.Subscription, error) {
			return e.bus.Subscribe(bus.SubjectConfig, e.onConfig)
		}},
		{bus.SubjectTagsChanged, func() (*nats.Subscription, error) {
			return e.bus.Subscribe(bus.SubjectTagsChanged, e.onTagChange)
		}},
		{bus.WriteSubjectAll(), func() (*nats.Subscription, error) {
			return e.bus.Subscribe(bus.WriteSubjectAll(), e.onWrite)
		}},
	}
	for _, rpc := range e.rpcHandlers() {
		r := rpc
		subs = append(subs, sub{r.subject, func() (*nats.Subscription, error) {
			return e.bus.SubscribeRequest(r.subject, r.handle)
		}})
	}

	for _, s := range subs {
		ns, err := s.install()
		if err != nil {
			return fmt.Errorf("engine: subscribe %s: %w", s.subject, err)
		}
		e.subs = append(e.subs, ns)
	}
	return nil
}

// onConfig handles connection upserts and deletes from the
// configuration service.
func (e *Engine) onConfig(subject string, data []byte) {
	ev, err := bus.ParseConfigEvent(data)
	if err != nil {
		logging.DebugError("engine", "config event", err)
		return
	}
	logging.DebugLog("engine", "config %s id=%s", ev.Op, ev.ID)
	e.conns.ApplyConfig(ev)
}

// onTagChange handles tag lifecycle notifications. Most ops fold into
// a full subscription reload; tag_removed takes the fast path.
func (e *Engine) onTagChange(subject string, data []byte) {
	ev, err := bus.ParseTagChangeEvent(data)
	if err != nil {
		logging.DebugError("engine", "tag change event", err)
		return
	}

	switch ev.Op {
	case bus.TagOpRemoved:
		if ev.TagID != 0 {
			e.conns.RemoveTagFast(ev.ConnectionID, ev.TagID)
			return
		}
		e.conns.ApplyTagChange(ev.ConnectionID)
	case bus.TagOpConnectionRemoved:
		// The config delete on its own subject tears the connection
		// down; nothing to reload here.
	default:
		e.conns.ApplyTagChange(ev.ConnectionID)
	}
}

// onWrite dispatches one write batch to the addressed connection.
func (e *Engine) onWrite(subject string, data []byte) {
	connID := strings.TrimPrefix(subject, bus.WriteSubject(""))
	if connID == "" || strings.ContainsAny(connID, ".*>") {
		logging.DebugLog("engine", "write on malformed subject %q", subject)
		return
	}
	ev, err := bus.ParseWriteEvent(data)
	if err != nil {
		e.emitter.CountError(connID)
		logging.DebugError("engine", "write event", err)
		return
	}

	reqs := make([]driver.WriteRequest, len(ev.Requests))
	for i, r := range ev.Requests {
		reqs[i] = driver.WriteRequest{TagID: r.TagID, Value: r.V}
	}

	// Writes run off the bus callback; the manager serializes per
	// connection.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), driver.WriteTimeout)
		defer cancel()
		results, err := e.conns.Write(ctx, connID, reqs)
		if err != nil {
			e.emitter.CountError(connID)
			logging.DebugError("engine", "write conn "+connID, err)
			return
		}
		for _, r := range results {
			if r.Err != nil {
				logging.DebugLog("engine", "conn %s: write tag %d failed: %v", connID, r.TagID, r.Err)
			}
		}
	}()
}
