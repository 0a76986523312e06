package eip

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"fieldgate/logging"
)

// DefaultPort is the registered EtherNet/IP explicit messaging port.
const DefaultPort = 44818

// Client is an EtherNet/IP session over TCP. All exchanges are
// serialized on the session mutex; unconnected explicit messaging only.
type Client struct {
	addr    string
	timeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	session uint32
}

func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{addr: addr, timeout: timeout}
}

// Connect dials the controller and registers a session.
func (c *Client) Connect() error {
	if c == nil {
		return fmt.Errorf("eip: nil client")
	}

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("eip %s: dial: %w", c.addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.session = 0

	session, err := c.registerSession()
	if err != nil {
		c.conn = old
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("eip %s: register session: %w", c.addr, err)
	}
	c.session = session
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	logging.DebugLog("eip", "session 0x%08X registered with %s", session, c.addr)
	return nil
}

// Close unregisters the session (best effort) and drops the socket.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		c.session = 0
		return nil
	}
	if c.session != 0 {
		msg := encap{command: cmdUnRegisterSession, sessionHandle: c.session}
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
		_ = c.send(msg)
	}
	err := c.conn.Close()
	c.conn = nil
	c.session = 0
	return err
}

func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.session != 0
}

// Nop writes the EIP No-Op command, probing the socket without touching
// controller state.
func (c *Client) Nop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("eip %s: not connected", c.addr)
	}
	msg := encap{command: cmdNOP, sessionHandle: c.session}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetWriteDeadline(time.Time{})
	return c.send(msg)
}

// Transact sends one CIP request as unconnected explicit messaging and
// returns the raw CIP response payload.
func (c *Client) Transact(cipRequest []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("eip %s: not connected", c.addr)
	}
	if c.session == 0 {
		return nil, fmt.Errorf("eip %s: no session", c.addr)
	}

	packet := unconnectedPacket(cipRequest)
	cmd := commandData{packet: packet.bytes()}
	body := cmd.bytes()

	req := encap{
		command:       cmdSendRRData,
		length:        uint16(len(body)),
		sessionHandle: c.session,
		data:          body,
	}
	resp, err := c.transact(req)
	if err != nil {
		return nil, err
	}
	if resp.status != 0 {
		return nil, fmt.Errorf("eip %s: encapsulation status 0x%08X", c.addr, resp.status)
	}

	cdata, err := parseCommandData(resp.data)
	if err != nil {
		return nil, err
	}
	cpacket, err := parseCommonPacket(cdata.packet)
	if err != nil {
		return nil, err
	}
	return cpacket.cipPayload()
}

func (c *Client) registerSession() (uint32, error) {
	msg := encap{
		command: cmdRegisterSession,
		length:  4,
		data:    []byte{1, 0, 0, 0}, // protocol version 1, options 0
	}
	resp, err := c.transact(msg)
	if err != nil {
		return 0, err
	}
	if resp.status != 0 {
		return 0, fmt.Errorf("status 0x%08X", resp.status)
	}
	if resp.sessionHandle == 0 {
		return 0, fmt.Errorf("controller returned session handle 0")
	}
	return resp.sessionHandle, nil
}

// transact performs one send/receive pair. Caller holds the mutex.
func (c *Client) transact(msg encap) (*encap, error) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetWriteDeadline(time.Time{})
	if err := c.send(msg); err != nil {
		return nil, err
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	return c.recv()
}

func (c *Client) send(msg encap) error {
	data := msg.bytes()
	logging.DebugTX("eip", data)
	_, err := c.conn.Write(data)
	return err
}

func (c *Client) recv() (*encap, error) {
	header := make([]byte, 24)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, fmt.Errorf("read encap header: %w", err)
	}

	length := binary.LittleEndian.Uint16(header[2:4])
	session := binary.LittleEndian.Uint32(header[4:8])
	if length > 65511 {
		return nil, fmt.Errorf("encap payload length %d exceeds protocol maximum", length)
	}
	// Session 0 in a response is legal (ListIdentity and friends);
	// anything else must match ours.
	if session != 0 && c.session != 0 && session != c.session {
		return nil, fmt.Errorf("session mismatch: want 0x%08X, got 0x%08X", c.session, session)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, fmt.Errorf("read encap payload: %w", err)
	}
	logging.DebugRX("eip", append(header, payload...))

	var ctx [8]byte
	copy(ctx[:], header[12:20])
	return &encap{
		command:       binary.LittleEndian.Uint16(header[:2]),
		length:        length,
		sessionHandle: session,
		status:        binary.LittleEndian.Uint32(header[8:12]),
		context:       ctx,
		options:       binary.LittleEndian.Uint32(header[20:24]),
		data:          payload,
	}, nil
}
