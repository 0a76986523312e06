package eip

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CIP services used by this driver.
const (
	svcReadTag          byte = 0x4C
	svcWriteTag         byte = 0x4D
	svcMultipleService  byte = 0x0A
	svcGetInstanceAttrs byte = 0x55
)

// CIP general status codes we act on.
const (
	statusSuccess         byte = 0x00
	statusPartialTransfer byte = 0x06
	statusPathUnknown     byte = 0x05
)

// Symbol Object class, the browsable tag table on Logix controllers.
const classSymbolObject byte = 0x6B

// Logix CIP atomic type codes.
const (
	TypeBOOL  uint16 = 0x00C1
	TypeSINT  uint16 = 0x00C2
	TypeINT   uint16 = 0x00C3
	TypeDINT  uint16 = 0x00C4
	TypeLINT  uint16 = 0x00C5
	TypeUSINT uint16 = 0x00C6
	TypeUINT  uint16 = 0x00C7
	TypeUDINT uint16 = 0x00C8
	TypeULINT uint16 = 0x00C9
	TypeREAL  uint16 = 0x00CA
	TypeLREAL uint16 = 0x00CB

	typeStructMask uint16 = 0x8000
	typeArrayMask  uint16 = 0x6000
	typeBaseMask   uint16 = 0x0FFF
)

// TypeName maps a CIP type code to its IEC-style name. Structure and
// array flags are stripped first.
func TypeName(code uint16) string {
	switch code & typeBaseMask {
	case TypeBOOL & typeBaseMask:
		return "BOOL"
	case TypeSINT & typeBaseMask:
		return "SINT"
	case TypeINT & typeBaseMask:
		return "INT"
	case TypeDINT & typeBaseMask:
		return "DINT"
	case TypeLINT & typeBaseMask:
		return "LINT"
	case TypeUSINT & typeBaseMask:
		return "USINT"
	case TypeUINT & typeBaseMask:
		return "UINT"
	case TypeUDINT & typeBaseMask:
		return "UDINT"
	case TypeULINT & typeBaseMask:
		return "ULINT"
	case TypeREAL & typeBaseMask:
		return "REAL"
	case TypeLREAL & typeBaseMask:
		return "LREAL"
	}
	if code&typeStructMask != 0 {
		return "STRUCT"
	}
	return fmt.Sprintf("0x%04X", code)
}

func isStructType(code uint16) bool { return code&typeStructMask != 0 }
func isArrayType(code uint16) bool  { return code&typeArrayMask != 0 }

// symbolicPath encodes a tag path like "Program:Main.Counter[3].ACC"
// as CIP symbolic and member segments, padded to word alignment.
// Dots separate segments; colons stay inside a segment; bracketed
// numbers become member (element) segments.
func symbolicPath(tag string) ([]byte, error) {
	if tag == "" {
		return nil, fmt.Errorf("empty tag path")
	}
	var out []byte
	for _, part := range strings.Split(tag, ".") {
		name := part
		var indices []uint32
		for {
			open := strings.IndexByte(name, '[')
			if open < 0 {
				break
			}
			closeIdx := strings.IndexByte(name, ']')
			if closeIdx < open {
				return nil, fmt.Errorf("unbalanced brackets in %q", tag)
			}
			n, err := strconv.ParseUint(name[open+1:closeIdx], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad array index in %q: %w", tag, err)
			}
			indices = append(indices, uint32(n))
			name = name[:open] + name[closeIdx+1:]
		}
		if name == "" {
			return nil, fmt.Errorf("empty segment in %q", tag)
		}
		// ANSI extended symbolic segment: 0x91, length, chars, pad.
		out = append(out, 0x91, byte(len(name)))
		out = append(out, name...)
		if len(name)%2 != 0 {
			out = append(out, 0x00)
		}
		for _, ix := range indices {
			out = append(out, memberSegment(ix)...)
		}
	}
	return out, nil
}

// memberSegment encodes an array element index in the narrowest
// logical format.
func memberSegment(index uint32) []byte {
	switch {
	case index <= 0xFF:
		return []byte{0x28, byte(index)}
	case index <= 0xFFFF:
		buf := []byte{0x29, 0x00}
		return binary.LittleEndian.AppendUint16(buf, uint16(index))
	default:
		buf := []byte{0x2A, 0x00}
		return binary.LittleEndian.AppendUint32(buf, index)
	}
}

// classInstancePath encodes Class/Instance logical segments.
func classInstancePath(class byte, instance uint32) []byte {
	out := []byte{0x20, class}
	switch {
	case instance <= 0xFF:
		out = append(out, 0x24, byte(instance))
	case instance <= 0xFFFF:
		out = append(out, 0x25, 0x00)
		out = binary.LittleEndian.AppendUint16(out, uint16(instance))
	default:
		out = append(out, 0x26, 0x00)
		out = binary.LittleEndian.AppendUint32(out, instance)
	}
	return out
}

// cipRequest marshals [service][path words][path][data].
func cipRequest(service byte, path, data []byte) []byte {
	out := make([]byte, 0, 2+len(path)+len(data))
	out = append(out, service, byte(len(path)/2))
	out = append(out, path...)
	out = append(out, data...)
	return out
}

type cipResponse struct {
	service   byte
	status    byte
	extStatus []uint16
	data      []byte
}

func parseCIPResponse(raw []byte) (*cipResponse, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("CIP response too short: %d bytes", len(raw))
	}
	extWords := int(raw[3])
	if len(raw) < 4+extWords*2 {
		return nil, fmt.Errorf("CIP response truncated at extended status")
	}
	r := &cipResponse{service: raw[0], status: raw[2]}
	for i := 0; i < extWords; i++ {
		r.extStatus = append(r.extStatus, binary.LittleEndian.Uint16(raw[4+i*2:]))
	}
	r.data = raw[4+extWords*2:]
	return r, nil
}

func (r *cipResponse) err(op string) error {
	if r.status == statusSuccess || r.status == statusPartialTransfer {
		return nil
	}
	return fmt.Errorf("%s: CIP status 0x%02X", op, r.status)
}

// buildRead builds a Read Tag request for n elements.
func buildRead(tag string, elements uint16) ([]byte, error) {
	path, err := symbolicPath(tag)
	if err != nil {
		return nil, err
	}
	data := binary.LittleEndian.AppendUint16(nil, elements)
	return cipRequest(svcReadTag, path, data), nil
}

// buildWrite builds a Write Tag request with typed payload.
func buildWrite(tag string, typeCode uint16, payload []byte) ([]byte, error) {
	path, err := symbolicPath(tag)
	if err != nil {
		return nil, err
	}
	data := binary.LittleEndian.AppendUint16(nil, typeCode)
	data = binary.LittleEndian.AppendUint16(data, 1) // element count
	data = append(data, payload...)
	return cipRequest(svcWriteTag, path, data), nil
}

// decodeValue interprets a Read Tag response body: [type 2][data n].
func decodeValue(data []byte) (interface{}, uint16, error) {
	if len(data) < 2 {
		return nil, 0, fmt.Errorf("value too short: %d bytes", len(data))
	}
	code := binary.LittleEndian.Uint16(data)
	body := data[2:]

	need := func(n int) error {
		if len(body) < n {
			return fmt.Errorf("type %s: want %d bytes, have %d", TypeName(code), n, len(body))
		}
		return nil
	}
	switch code & typeBaseMask {
	case TypeBOOL & typeBaseMask:
		if err := need(1); err != nil {
			return nil, code, err
		}
		return body[0] != 0, code, nil
	case TypeSINT & typeBaseMask:
		if err := need(1); err != nil {
			return nil, code, err
		}
		return int8(body[0]), code, nil
	case TypeUSINT & typeBaseMask:
		if err := need(1); err != nil {
			return nil, code, err
		}
		return body[0], code, nil
	case TypeINT & typeBaseMask:
		if err := need(2); err != nil {
			return nil, code, err
		}
		return int16(binary.LittleEndian.Uint16(body)), code, nil
	case TypeUINT & typeBaseMask:
		if err := need(2); err != nil {
			return nil, code, err
		}
		return binary.LittleEndian.Uint16(body), code, nil
	case TypeDINT & typeBaseMask:
		if err := need(4); err != nil {
			return nil, code, err
		}
		return int32(binary.LittleEndian.Uint32(body)), code, nil
	case TypeUDINT & typeBaseMask:
		if err := need(4); err != nil {
			return nil, code, err
		}
		return binary.LittleEndian.Uint32(body), code, nil
	case TypeLINT & typeBaseMask:
		if err := need(8); err != nil {
			return nil, code, err
		}
		return int64(binary.LittleEndian.Uint64(body)), code, nil
	case TypeULINT & typeBaseMask:
		if err := need(8); err != nil {
			return nil, code, err
		}
		return binary.LittleEndian.Uint64(body), code, nil
	case TypeREAL & typeBaseMask:
		if err := need(4); err != nil {
			return nil, code, err
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(body)), code, nil
	case TypeLREAL & typeBaseMask:
		if err := need(8); err != nil {
			return nil, code, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(body)), code, nil
	}
	// STRING and UDTs come back raw.
	return append([]byte(nil), body...), code, nil
}

// encodeValue renders a Go value into (type code, payload) for writes.
func encodeValue(typeCode uint16, value interface{}) ([]byte, error) {
	switch typeCode & typeBaseMask {
	case TypeBOOL & typeBaseMask:
		b, err := coerceBool(value)
		if err != nil {
			return nil, err
		}
		if b {
			return []byte{0xFF}, nil
		}
		return []byte{0x00}, nil
	case TypeSINT & typeBaseMask, TypeUSINT & typeBaseMask:
		n, err := coerceInt(value)
		if err != nil {
			return nil, err
		}
		return []byte{byte(n)}, nil
	case TypeINT & typeBaseMask, TypeUINT & typeBaseMask:
		n, err := coerceInt(value)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint16(nil, uint16(n)), nil
	case TypeDINT & typeBaseMask, TypeUDINT & typeBaseMask:
		n, err := coerceInt(value)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(nil, uint32(n)), nil
	case TypeLINT & typeBaseMask, TypeULINT & typeBaseMask:
		n, err := coerceInt(value)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(nil, uint64(n)), nil
	case TypeREAL & typeBaseMask:
		f, err := coerceFloat(value)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(f))), nil
	case TypeLREAL & typeBaseMask:
		f, err := coerceFloat(value)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(f)), nil
	}
	return nil, fmt.Errorf("unsupported write type %s", TypeName(typeCode))
}

func coerceBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	}
	f, err := coerceFloat(value)
	if err != nil {
		return false, fmt.Errorf("cannot interpret %T as BOOL", value)
	}
	return f != 0, nil
}

func coerceInt(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot interpret %T as integer", value)
}

func coerceFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	n, err := coerceInt(value)
	if err != nil {
		return 0, fmt.Errorf("cannot interpret %T as float", value)
	}
	return float64(n), nil
}
