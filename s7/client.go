package s7

import (
	"fmt"
	"sync"
	"time"

	"github.com/robinson/gos7"

	"fieldgate/logging"
)

// Client wraps a gos7 session. All PDU exchange is serialized on one
// mutex: S7 connections carry one request at a time, and bit writes
// depend on the read-modify-write pair staying uninterleaved.
type Client struct {
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	address   string
	connected bool
	mu        sync.Mutex

	// byteLocks serializes read-modify-write cycles per touched byte so
	// two bit tags in the same byte can never tear each other's update.
	byteLocks   map[string]*sync.Mutex
	byteLocksMu sync.Mutex
}

// Connect establishes an ISO-on-TCP session to the PLC.
func Connect(address string, rack, slot int, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	handler := gos7.NewTCPClientHandler(address, rack, slot)
	handler.Timeout = timeout
	handler.IdleTimeout = timeout

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("s7 connect %s: %w", address, err)
	}
	logging.DebugLog("s7", "connected to %s (rack %d slot %d)", address, rack, slot)

	return &Client{
		handler:   handler,
		client:    gos7.NewClient(handler),
		address:   address,
		connected: true,
		byteLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the session. Idempotent.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		c.connected = false
		c.handler.Close()
		logging.DebugLog("s7", "disconnected from %s", c.address)
	}
}

// IsConnected reports whether the session is believed healthy.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// markBroken flips the connected flag after a transport failure so the
// driver reconnects instead of hammering a dead session.
func (c *Client) markBroken() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// ReadAddress reads the raw bytes backing one address.
func (c *Client) ReadAddress(a Address) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("s7 %s: not connected", c.address)
	}
	return c.readLocked(a)
}

func (c *Client) readLocked(a Address) ([]byte, error) {
	buf := make([]byte, a.Kind.Size())
	var err error
	switch a.Area {
	case AreaDB:
		err = c.client.AGReadDB(a.DB, a.Offset, len(buf), buf)
	case AreaM:
		err = c.client.AGReadMB(a.Offset, len(buf), buf)
	case AreaI:
		err = c.client.AGReadEB(a.Offset, len(buf), buf)
	case AreaQ:
		err = c.client.AGReadAB(a.Offset, len(buf), buf)
	default:
		return nil, fmt.Errorf("unsupported area %v", a.Area)
	}
	if err != nil {
		return nil, fmt.Errorf("s7 read %s: %w", a, err)
	}
	return buf, nil
}

func (c *Client) writeLocked(a Address, data []byte) error {
	var err error
	switch a.Area {
	case AreaDB:
		err = c.client.AGWriteDB(a.DB, a.Offset, len(data), data)
	case AreaM:
		err = c.client.AGWriteMB(a.Offset, len(data), data)
	case AreaI:
		err = c.client.AGWriteEB(a.Offset, len(data), data)
	case AreaQ:
		err = c.client.AGWriteAB(a.Offset, len(data), data)
	default:
		return fmt.Errorf("unsupported area %v", a.Area)
	}
	if err != nil {
		return fmt.Errorf("s7 write %s: %w", a, err)
	}
	return nil
}

// WriteValue writes a byte/word/real address.
func (c *Client) WriteValue(a Address, value interface{}) error {
	if a.Kind == KindBool {
		on, err := ToBool(value)
		if err != nil {
			return err
		}
		return c.WriteBit(a, on)
	}
	data, err := Encode(a, value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("s7 %s: not connected", c.address)
	}
	return c.writeLocked(a, data)
}

// WriteBit performs the read-modify-write cycle for a single bit. The
// enclosing byte is locked for the whole cycle and the PDU mutex is
// held across both halves, so concurrent bit writes to the same byte
// serialize instead of tearing.
func (c *Client) WriteBit(a Address, on bool) error {
	lock := c.byteLock(a.ByteKey())
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("s7 %s: not connected", c.address)
	}

	buf, err := c.readLocked(a)
	if err != nil {
		return err
	}
	buf[0] = SetBit(buf[0], a.Bit, on)
	return c.writeLocked(a, buf[:1])
}

func (c *Client) byteLock(key string) *sync.Mutex {
	c.byteLocksMu.Lock()
	defer c.byteLocksMu.Unlock()
	lock, ok := c.byteLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.byteLocks[key] = lock
	}
	return lock
}
