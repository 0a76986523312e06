package sparkplug

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Sparkplug B metric data type codes.
const (
	DataTypeInt8    uint32 = 1
	DataTypeInt16   uint32 = 2
	DataTypeInt32   uint32 = 3
	DataTypeInt64   uint32 = 4
	DataTypeUInt8   uint32 = 5
	DataTypeUInt16  uint32 = 6
	DataTypeUInt32  uint32 = 7
	DataTypeUInt64  uint32 = 8
	DataTypeFloat   uint32 = 9
	DataTypeDouble  uint32 = 10
	DataTypeBoolean uint32 = 11
	DataTypeString  uint32 = 12
)

// Metric is one Sparkplug metric. Value nil with IsNull set encodes a
// null metric.
type Metric struct {
	Name      string
	Alias     uint64
	Timestamp time.Time
	DataType  uint32
	IsNull    bool
	Value     interface{}
}

// Payload is a Sparkplug B payload: envelope timestamp, sequence
// number, metrics.
type Payload struct {
	Timestamp time.Time
	Seq       uint64
	HasSeq    bool
	UUID      string
	Metrics   []Metric
}

// Payload proto field numbers (org.eclipse.tahu payload.proto).
const (
	fPayloadTimestamp = 1
	fPayloadMetrics   = 2
	fPayloadSeq       = 3
	fPayloadUUID      = 4

	fMetricName      = 1
	fMetricAlias     = 2
	fMetricTimestamp = 3
	fMetricDataType  = 4
	fMetricIsNull    = 7
	fMetricIntVal    = 10
	fMetricLongVal   = 11
	fMetricFloatVal  = 12
	fMetricDoubleVal = 13
	fMetricBoolVal   = 14
	fMetricStringVal = 15
)

// Encode marshals the payload to Sparkplug B protobuf wire format.
func Encode(p *Payload) ([]byte, error) {
	var out []byte
	if !p.Timestamp.IsZero() {
		out = protowire.AppendTag(out, fPayloadTimestamp, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(p.Timestamp.UnixMilli()))
	}
	for i := range p.Metrics {
		body, err := encodeMetric(&p.Metrics[i])
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, fPayloadMetrics, protowire.BytesType)
		out = protowire.AppendBytes(out, body)
	}
	if p.HasSeq {
		out = protowire.AppendTag(out, fPayloadSeq, protowire.VarintType)
		out = protowire.AppendVarint(out, p.Seq)
	}
	if p.UUID != "" {
		out = protowire.AppendTag(out, fPayloadUUID, protowire.BytesType)
		out = protowire.AppendString(out, p.UUID)
	}
	return out, nil
}

func encodeMetric(m *Metric) ([]byte, error) {
	var out []byte
	if m.Name != "" {
		out = protowire.AppendTag(out, fMetricName, protowire.BytesType)
		out = protowire.AppendString(out, m.Name)
	}
	if m.Alias != 0 {
		out = protowire.AppendTag(out, fMetricAlias, protowire.VarintType)
		out = protowire.AppendVarint(out, m.Alias)
	}
	if !m.Timestamp.IsZero() {
		out = protowire.AppendTag(out, fMetricTimestamp, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(m.Timestamp.UnixMilli()))
	}
	if m.DataType != 0 {
		out = protowire.AppendTag(out, fMetricDataType, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(m.DataType))
	}
	if m.IsNull || m.Value == nil {
		out = protowire.AppendTag(out, fMetricIsNull, protowire.VarintType)
		out = protowire.AppendVarint(out, 1)
		return out, nil
	}
	return appendMetricValue(out, m.DataType, m.Value)
}

func appendMetricValue(out []byte, dataType uint32, value interface{}) ([]byte, error) {
	switch dataType {
	case DataTypeInt8, DataTypeInt16, DataTypeInt32, DataTypeUInt8, DataTypeUInt16, DataTypeUInt32:
		n, err := toUint64(value)
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, fMetricIntVal, protowire.VarintType)
		return protowire.AppendVarint(out, n&0xFFFFFFFF), nil
	case DataTypeInt64, DataTypeUInt64:
		n, err := toUint64(value)
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, fMetricLongVal, protowire.VarintType)
		return protowire.AppendVarint(out, n), nil
	case DataTypeFloat:
		f, err := toFloat64(value)
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, fMetricFloatVal, protowire.Fixed32Type)
		return protowire.AppendFixed32(out, math.Float32bits(float32(f))), nil
	case DataTypeDouble:
		f, err := toFloat64(value)
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, fMetricDoubleVal, protowire.Fixed64Type)
		return protowire.AppendFixed64(out, math.Float64bits(f)), nil
	case DataTypeBoolean:
		b, ok := value.(bool)
		if !ok {
			n, err := toUint64(value)
			if err != nil {
				return nil, fmt.Errorf("cannot encode %T as boolean", value)
			}
			b = n != 0
		}
		out = protowire.AppendTag(out, fMetricBoolVal, protowire.VarintType)
		if b {
			return protowire.AppendVarint(out, 1), nil
		}
		return protowire.AppendVarint(out, 0), nil
	case DataTypeString:
		s, ok := value.(string)
		if !ok {
			s = fmt.Sprintf("%v", value)
		}
		out = protowire.AppendTag(out, fMetricStringVal, protowire.BytesType)
		return protowire.AppendString(out, s), nil
	}
	return nil, fmt.Errorf("unsupported sparkplug data type %d", dataType)
}

// Decode unmarshals a Sparkplug B payload. Unknown fields are skipped
// so payloads from richer publishers still parse.
func Decode(raw []byte) (*Payload, error) {
	p := &Payload{}
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return nil, fmt.Errorf("bad payload tag: %v", protowire.ParseError(n))
		}
		raw = raw[n:]

		switch {
		case num == fPayloadTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return nil, fmt.Errorf("bad payload timestamp")
			}
			p.Timestamp = time.UnixMilli(int64(v)).UTC()
			raw = raw[n:]
		case num == fPayloadSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return nil, fmt.Errorf("bad payload seq")
			}
			p.Seq = v
			p.HasSeq = true
			raw = raw[n:]
		case num == fPayloadUUID && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(raw)
			if n < 0 {
				return nil, fmt.Errorf("bad payload uuid")
			}
			p.UUID = s
			raw = raw[n:]
		case num == fPayloadMetrics && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return nil, fmt.Errorf("bad metric body")
			}
			m, err := decodeMetric(body)
			if err != nil {
				return nil, err
			}
			p.Metrics = append(p.Metrics, m)
			raw = raw[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return nil, fmt.Errorf("bad field %d: %v", num, protowire.ParseError(n))
			}
			raw = raw[n:]
		}
	}
	return p, nil
}

func decodeMetric(raw []byte) (Metric, error) {
	var m Metric
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return m, fmt.Errorf("bad metric tag")
		}
		raw = raw[n:]

		switch {
		case num == fMetricName && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(raw)
			if n < 0 {
				return m, fmt.Errorf("bad metric name")
			}
			m.Name = s
			raw = raw[n:]
		case num == fMetricAlias && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return m, fmt.Errorf("bad metric alias")
			}
			m.Alias = v
			raw = raw[n:]
		case num == fMetricTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return m, fmt.Errorf("bad metric timestamp")
			}
			m.Timestamp = time.UnixMilli(int64(v)).UTC()
			raw = raw[n:]
		case num == fMetricDataType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return m, fmt.Errorf("bad metric datatype")
			}
			m.DataType = uint32(v)
			raw = raw[n:]
		case num == fMetricIsNull && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return m, fmt.Errorf("bad metric is_null")
			}
			m.IsNull = v != 0
			raw = raw[n:]
		case num == fMetricIntVal && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return m, fmt.Errorf("bad metric int value")
			}
			m.Value = decodeIntValue(m.DataType, uint32(v))
			raw = raw[n:]
		case num == fMetricLongVal && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return m, fmt.Errorf("bad metric long value")
			}
			if m.DataType == DataTypeInt64 {
				m.Value = int64(v)
			} else {
				m.Value = v
			}
			raw = raw[n:]
		case num == fMetricFloatVal && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(raw)
			if n < 0 {
				return m, fmt.Errorf("bad metric float value")
			}
			m.Value = math.Float32frombits(v)
			raw = raw[n:]
		case num == fMetricDoubleVal && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(raw)
			if n < 0 {
				return m, fmt.Errorf("bad metric double value")
			}
			m.Value = math.Float64frombits(v)
			raw = raw[n:]
		case num == fMetricBoolVal && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return m, fmt.Errorf("bad metric bool value")
			}
			m.Value = v != 0
			raw = raw[n:]
		case num == fMetricStringVal && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(raw)
			if n < 0 {
				return m, fmt.Errorf("bad metric string value")
			}
			m.Value = s
			raw = raw[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return m, fmt.Errorf("bad metric field %d", num)
			}
			raw = raw[n:]
		}
	}
	return m, nil
}

// decodeIntValue restores signedness for the 32-bit-and-under int
// carrier field.
func decodeIntValue(dataType uint32, v uint32) interface{} {
	switch dataType {
	case DataTypeInt8:
		return int8(v)
	case DataTypeInt16:
		return int16(v)
	case DataTypeInt32:
		return int32(v)
	case DataTypeUInt8:
		return uint8(v)
	case DataTypeUInt16:
		return uint16(v)
	default:
		return v
	}
}

// DataTypeFor picks the Sparkplug type code for a Go value.
func DataTypeFor(value interface{}) uint32 {
	switch value.(type) {
	case bool:
		return DataTypeBoolean
	case int8:
		return DataTypeInt8
	case int16:
		return DataTypeInt16
	case int32, int:
		return DataTypeInt32
	case int64:
		return DataTypeInt64
	case uint8:
		return DataTypeUInt8
	case uint16:
		return DataTypeUInt16
	case uint32:
		return DataTypeUInt32
	case uint64:
		return DataTypeUInt64
	case float32:
		return DataTypeFloat
	case float64:
		return DataTypeDouble
	case string:
		return DataTypeString
	}
	return DataTypeString
}

func toUint64(value interface{}) (uint64, error) {
	switch v := value.(type) {
	case int:
		return uint64(v), nil
	case int8:
		return uint64(v), nil
	case int16:
		return uint64(v), nil
	case int32:
		return uint64(v), nil
	case int64:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case float32:
		return uint64(v), nil
	case float64:
		return uint64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot encode %T as integer", value)
}

func toFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	}
	n, err := toUint64(value)
	if err != nil {
		return 0, fmt.Errorf("cannot encode %T as float", value)
	}
	return float64(n), nil
}
