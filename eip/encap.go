package eip

import (
	"encoding/binary"
	"fmt"
)

// EtherNet/IP encapsulation commands.
const (
	cmdNOP               uint16 = 0x00
	cmdRegisterSession   uint16 = 0x65
	cmdUnRegisterSession uint16 = 0x66
	cmdSendRRData        uint16 = 0x6F
)

// Common packet format item type IDs, per ODVA v1.4.
const (
	cpfNullAddress        uint16 = 0x00
	cpfUnconnectedMessage uint16 = 0xB2
)

// encap is the fixed 24-byte EtherNet/IP encapsulation header plus data.
type encap struct {
	command       uint16
	length        uint16
	sessionHandle uint32
	status        uint32
	context       [8]byte
	options       uint32
	data          []byte
}

func (m *encap) bytes() []byte {
	buf := make([]byte, 0, 24+len(m.data))
	buf = binary.LittleEndian.AppendUint16(buf, m.command)
	buf = binary.LittleEndian.AppendUint16(buf, m.length)
	buf = binary.LittleEndian.AppendUint32(buf, m.sessionHandle)
	buf = binary.LittleEndian.AppendUint32(buf, m.status)
	buf = append(buf, m.context[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, m.options)
	buf = append(buf, m.data...)
	return buf
}

// commandData wraps a common packet for SendRRData (interface handle 0,
// timeout 0: unconnected explicit messaging over TCP).
type commandData struct {
	interfaceHandle uint32
	timeout         uint16
	packet          []byte
}

func (r *commandData) bytes() []byte {
	raw := binary.LittleEndian.AppendUint32(nil, r.interfaceHandle)
	raw = binary.LittleEndian.AppendUint16(raw, r.timeout)
	raw = append(raw, r.packet...)
	return raw
}

func parseCommandData(raw []byte) (*commandData, error) {
	if len(raw) < 6 {
		return nil, fmt.Errorf("command data too short: %d bytes", len(raw))
	}
	return &commandData{
		interfaceHandle: binary.LittleEndian.Uint32(raw[:4]),
		timeout:         binary.LittleEndian.Uint16(raw[4:6]),
		packet:          raw[6:],
	}, nil
}

type cpfItem struct {
	typeID uint16
	data   []byte
}

// commonPacket is the CPF wrapper: a null address item followed by an
// unconnected data item carrying the CIP request.
type commonPacket struct {
	items []cpfItem
}

func unconnectedPacket(cipData []byte) commonPacket {
	return commonPacket{items: []cpfItem{
		{typeID: cpfNullAddress},
		{typeID: cpfUnconnectedMessage, data: cipData},
	}}
}

func (p *commonPacket) bytes() []byte {
	raw := binary.LittleEndian.AppendUint16(nil, uint16(len(p.items)))
	for _, it := range p.items {
		raw = binary.LittleEndian.AppendUint16(raw, it.typeID)
		raw = binary.LittleEndian.AppendUint16(raw, uint16(len(it.data)))
		raw = append(raw, it.data...)
	}
	return raw
}

func parseCommonPacket(raw []byte) (*commonPacket, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("common packet too short: %d bytes", len(raw))
	}
	count := binary.LittleEndian.Uint16(raw[:2])
	raw = raw[2:]

	p := &commonPacket{}
	for i := 0; i < int(count); i++ {
		if len(raw) < 4 {
			return nil, fmt.Errorf("truncated CPF item %d header", i)
		}
		typeID := binary.LittleEndian.Uint16(raw[:2])
		length := int(binary.LittleEndian.Uint16(raw[2:4]))
		raw = raw[4:]
		if len(raw) < length {
			return nil, fmt.Errorf("truncated CPF item %d: want %d bytes, have %d", i, length, len(raw))
		}
		p.items = append(p.items, cpfItem{typeID: typeID, data: raw[:length]})
		raw = raw[length:]
	}
	return p, nil
}

// cipPayload extracts the unconnected data item from a response packet.
func (p *commonPacket) cipPayload() ([]byte, error) {
	for _, it := range p.items {
		if it.typeID == cpfUnconnectedMessage {
			return it.data, nil
		}
	}
	return nil, fmt.Errorf("response carries no unconnected data item")
}
