package s7

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Decode interprets raw PLC bytes at the address as a Go value. S7
// multi-byte values are big-endian on the wire.
func Decode(a Address, buf []byte) (interface{}, error) {
	if len(buf) < a.Kind.Size() {
		return nil, fmt.Errorf("short read for %s: %d bytes", a, len(buf))
	}
	switch a.Kind {
	case KindBool:
		return buf[0]&(1<<uint(a.Bit)) != 0, nil
	case KindByte:
		return buf[0], nil
	case KindInt16:
		return int16(binary.BigEndian.Uint16(buf)), nil
	case KindReal:
		return math.Float32frombits(binary.BigEndian.Uint32(buf)), nil
	}
	return nil, fmt.Errorf("unsupported kind %v", a.Kind)
}

// Encode renders a Go value as the big-endian bytes the PLC expects.
// Bit values are not handled here; bit writes go through the
// read-modify-write path instead.
func Encode(a Address, value interface{}) ([]byte, error) {
	switch a.Kind {
	case KindByte:
		n, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("value %d out of range for byte", n)
		}
		return []byte{byte(n)}, nil
	case KindInt16:
		n, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, fmt.Errorf("value %d out of range for int16", n)
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(int16(n)))
		return buf, nil
	case KindReal:
		f, err := toFloat64(value)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(f)))
		return buf, nil
	}
	return nil, fmt.Errorf("unsupported kind %v", a.Kind)
}

// SetBit returns b with the given bit set or cleared.
func SetBit(b byte, bit int, on bool) byte {
	if on {
		return b | (1 << uint(bit))
	}
	return b &^ (1 << uint(bit))
}

// ToBool coerces a write value into a bit.
func ToBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch v {
		case "true", "1", "on":
			return true, nil
		case "false", "0", "off":
			return false, nil
		}
		return false, fmt.Errorf("cannot interpret %q as bool", v)
	}
	n, err := toFloat64(value)
	if err != nil {
		return false, fmt.Errorf("cannot interpret %T as bool", value)
	}
	return n != 0, nil
}

func toInt64(value interface{}) (int64, error) {
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

func toFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot interpret %T as number", value)
}
