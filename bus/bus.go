// Package bus wraps the NATS connection used for configuration,
// status, telemetry, and protocol RPC traffic.
package bus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"fieldgate/logging"
)

// Subject layout. Per-connection subjects append the connection id.
const (
	SubjectConfig      = "connectivity.config.v1"
	SubjectTagsChanged = "connectivity.tags.changed.v1"

	subjectStatusPrefix    = "connectivity.status.v1."
	subjectTelemetryPrefix = "connectivity.telemetry.raw."
	subjectWritePrefix     = "connectivity.telemetry.write.v1."

	subjectRPCEIPPrefix   = "connectivity.rpc.eip."
	subjectRPCOPCUAPrefix = "connectivity.rpc.opcua."
)

// StatusSubject returns the status subject of one connection.
func StatusSubject(connID string) string { return subjectStatusPrefix + connID }

// TelemetrySubject returns the raw telemetry subject of one connection.
func TelemetrySubject(connID string) string { return subjectTelemetryPrefix + connID }

// WriteSubject returns the write-request subject of one connection.
func WriteSubject(connID string) string { return subjectWritePrefix + connID }

// WriteSubjectAll subscribes to write requests for every connection.
func WriteSubjectAll() string { return subjectWritePrefix + ">" }

// EIPRPCSubject returns the request subject for an EIP RPC operation.
func EIPRPCSubject(op string) string { return subjectRPCEIPPrefix + op }

// OPCUARPCSubject returns the request subject for an OPC UA RPC
// operation.
func OPCUARPCSubject(op string) string { return subjectRPCOPCUAPrefix + op }

const (
	reconnectWait  = 2 * time.Second
	requestTimeout = 10 * time.Second
	drainTimeout   = 5 * time.Second
)

// Client is the process-wide bus handle. Health tracks the underlying
// connection through the reconnect handlers; consumers poll IsHealthy
// for the /health endpoint.
type Client struct {
	conn    *nats.Conn
	healthy atomic.Bool
	closing atomic.Bool
}

// Connect dials the bus. Reconnects are unbounded; a lost broker
// degrades health but never kills the process.
func Connect(url, serviceID string) (*Client, error) {
	c := &Client{}

	opts := []nats.Option{
		nats.Name(serviceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.healthy.Store(false)
			if !c.closing.Load() && err != nil {
				logging.DebugError("bus", "disconnected", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.healthy.Store(true)
			logging.DebugLog("bus", "reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.healthy.Store(false)
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	c.conn = conn
	c.healthy.Store(true)
	logging.DebugLog("bus", "connected to %s as %s", url, serviceID)
	return c, nil
}

// IsHealthy reports whether the bus connection is currently up.
func (c *Client) IsHealthy() bool { return c.healthy.Load() }

// Publish sends raw bytes on a subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishJSON marshals v and publishes it.
func (c *Client) PublishJSON(subject string, v interface{}) error {
	data, err := marshal(v)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

// Subscribe attaches a handler to a subject.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
}

// QueueSubscribe attaches a handler in a queue group so horizontally
// scaled instances split the traffic.
func (c *Client) QueueSubscribe(subject, queue string, handler func(subject string, data []byte)) (*nats.Subscription, error) {
	return c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
}

// SubscribeRequest attaches a request/reply handler; the handler's
// return value is sent back to the requester.
func (c *Client) SubscribeRequest(subject string, handler func(data []byte) []byte) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, func(msg *nats.Msg) {
		reply := handler(msg.Data)
		if msg.Reply != "" {
			if err := msg.Respond(reply); err != nil {
				logging.DebugError("bus", "respond "+subject, err)
			}
		}
	})
}

// Request performs a request/reply round trip. The context bounds the
// wait; without a deadline a default timeout applies.
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Flush blocks until the server has processed everything published so
// far.
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Close drains outstanding subscriptions, then closes the connection.
func (c *Client) Close() {
	c.closing.Store(true)
	c.healthy.Store(false)
	if c.conn == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.conn.Drain(); err != nil {
			c.conn.Close()
		}
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		c.conn.Close()
	}
}
