package codec

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

// Sparkplug B Payload field numbers.
const (
	bPayloadTimestamp protowire.Number = 1
	bPayloadMetrics   protowire.Number = 2
	bPayloadSeq       protowire.Number = 3
	bPayloadUUID      protowire.Number = 4
	bPayloadBody      protowire.Number = 5
)

// Sparkplug B Payload.Metric field numbers. Metadata, properties, datasets,
// templates and extensions are skipped on decode and never written.
const (
	bMetricName         protowire.Number = 1
	bMetricAlias        protowire.Number = 2
	bMetricTimestamp    protowire.Number = 3
	bMetricDatatype     protowire.Number = 4
	bMetricIsHistorical protowire.Number = 5
	bMetricIsTransient  protowire.Number = 6
	bMetricIsNull       protowire.Number = 7
	bMetricIntValue     protowire.Number = 10
	bMetricLongValue    protowire.Number = 11
	bMetricFloatValue   protowire.Number = 12
	bMetricDoubleValue  protowire.Number = 13
	bMetricBooleanValue protowire.Number = 14
	bMetricStringValue  protowire.Number = 15
	bMetricBytesValue   protowire.Number = 16
)

// B is the Sparkplug B codec.
type B struct{}

// Version returns sparkplug.VersionB.
func (B) Version() sparkplug.Version { return sparkplug.VersionB }

// Encode serialises msg as a Sparkplug B Payload.
func (B) Encode(msg *sparkplug.Message) ([]byte, error) {
	var b []byte
	if msg.Timestamp != 0 {
		b = protowire.AppendTag(b, bPayloadTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, msg.Timestamp)
	}
	for i := range msg.Metrics {
		mb, err := encodeMetricB(&msg.Metrics[i])
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, bPayloadMetrics, protowire.BytesType)
		b = protowire.AppendBytes(b, mb)
	}
	if msg.HasSeq {
		b = protowire.AppendTag(b, bPayloadSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(msg.Seq))
	}
	if msg.UUID != "" {
		b = protowire.AppendTag(b, bPayloadUUID, protowire.BytesType)
		b = protowire.AppendString(b, msg.UUID)
	}
	if len(msg.Body) > 0 {
		b = protowire.AppendTag(b, bPayloadBody, protowire.BytesType)
		b = protowire.AppendBytes(b, msg.Body)
	}
	return b, nil
}

func encodeMetricB(m *sparkplug.Metric) ([]byte, error) {
	if m.Name == "" && m.Alias == 0 {
		return nil, codecErr("metric has neither name nor alias")
	}
	if err := m.Validate(); err != nil {
		return nil, codecErr("%w", err)
	}

	var b []byte
	if m.Name != "" {
		b = protowire.AppendTag(b, bMetricName, protowire.BytesType)
		b = protowire.AppendString(b, m.Name)
	}
	if m.Alias != 0 {
		b = protowire.AppendTag(b, bMetricAlias, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Alias)
	}
	if m.Timestamp != 0 {
		b = protowire.AppendTag(b, bMetricTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Timestamp)
	}
	b = protowire.AppendTag(b, bMetricDatatype, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	if m.IsHistorical {
		b = protowire.AppendTag(b, bMetricIsHistorical, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.IsNull {
		b = protowire.AppendTag(b, bMetricIsNull, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
		return b, nil
	}

	switch v := m.Value.(type) {
	case int64:
		if m.Type == sparkplug.TypeInt64 {
			b = protowire.AppendTag(b, bMetricLongValue, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(v)) //nolint:gosec // two's complement wire form
		} else {
			b = protowire.AppendTag(b, bMetricIntValue, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(uint32(int32(v)))) //nolint:gosec // range checked by Validate
		}
	case uint64:
		switch m.Type {
		case sparkplug.TypeUInt8, sparkplug.TypeUInt16, sparkplug.TypeUInt32:
			b = protowire.AppendTag(b, bMetricIntValue, protowire.VarintType)
		default:
			b = protowire.AppendTag(b, bMetricLongValue, protowire.VarintType)
		}
		b = protowire.AppendVarint(b, v)
	case float32:
		b = protowire.AppendTag(b, bMetricFloatValue, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	case float64:
		b = protowire.AppendTag(b, bMetricDoubleValue, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	case bool:
		b = protowire.AppendTag(b, bMetricBooleanValue, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(v))
	case string:
		b = protowire.AppendTag(b, bMetricStringValue, protowire.BytesType)
		b = protowire.AppendString(b, v)
	case []byte:
		b = protowire.AppendTag(b, bMetricBytesValue, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	default:
		return nil, codecErr("metric %q has value of type %T", m.Name, m.Value)
	}
	return b, nil
}

// Decode parses a Sparkplug B Payload.
func (B) Decode(payload []byte) (*sparkplug.Message, error) {
	msg := &sparkplug.Message{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == bPayloadTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			msg.Timestamp = v
			return n, nil
		case num == bPayloadMetrics && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			m, err := decodeMetricB(raw)
			if err != nil {
				return 0, err
			}
			msg.Metrics = append(msg.Metrics, m)
			return n, nil
		case num == bPayloadSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 && v > math.MaxUint8 {
				return 0, codecErr("seq %d out of range", v)
			}
			msg.Seq = uint8(v) //nolint:gosec // range checked
			msg.HasSeq = true
			return n, nil
		case num == bPayloadUUID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			msg.UUID = v
			return n, nil
		case num == bPayloadBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			msg.Body = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeMetricB(payload []byte) (sparkplug.Metric, error) {
	var m sparkplug.Metric
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case bMetricAlias:
				m.Alias = v
			case bMetricTimestamp:
				m.Timestamp = v
			case bMetricDatatype:
				m.Type = sparkplug.DataType(v) //nolint:gosec // enum values are small
			case bMetricIsHistorical:
				m.IsHistorical = protowire.DecodeBool(v)
			case bMetricIsTransient:
			case bMetricIsNull:
				m.IsNull = protowire.DecodeBool(v)
			case bMetricIntValue:
				m.Value = uint64(uint32(v)) //nolint:gosec // uint32 field
			case bMetricLongValue:
				m.Value = v
			case bMetricBooleanValue:
				m.Value = protowire.DecodeBool(v)
			}
			return n, nil
		case protowire.Fixed32Type:
			if num == bMetricFloatValue {
				v, n := protowire.ConsumeFixed32(b)
				m.Value = math.Float32frombits(v)
				return n, nil
			}
		case protowire.Fixed64Type:
			if num == bMetricDoubleValue {
				v, n := protowire.ConsumeFixed64(b)
				m.Value = math.Float64frombits(v)
				return n, nil
			}
		case protowire.BytesType:
			switch num {
			case bMetricName:
				v, n := protowire.ConsumeString(b)
				m.Name = v
				return n, nil
			case bMetricStringValue:
				v, n := protowire.ConsumeString(b)
				m.Value = v
				return n, nil
			case bMetricBytesValue:
				v, n := protowire.ConsumeBytes(b)
				m.Value = append([]byte{}, v...)
				return n, nil
			}
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return sparkplug.Metric{}, err
	}

	if m.IsNull {
		m.Value = nil
		return m, nil
	}
	if m.Type == sparkplug.TypeUnknown {
		// Untyped DATA metric; resolved later against the BIRTH catalog.
		return m, nil
	}
	if !m.Type.Supported() {
		return sparkplug.Metric{}, codecErr("metric %q has unsupported datatype %d", m.Name, uint32(m.Type))
	}
	if m.Value == nil {
		return sparkplug.Metric{}, codecErr("metric %q has no value", m.Name)
	}
	return m.Coerce(m.Type)
}

// walkFields iterates the fields of a protobuf message. visit consumes the
// field value at b and returns the number of bytes used, or a negative
// protowire error code.
func walkFields(payload []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return codecErr("reading tag: %w", protowire.ParseError(n))
		}
		payload = payload[n:]

		used, err := visit(num, typ, payload)
		if err != nil {
			return err
		}
		if used < 0 {
			return codecErr("reading field %d: %w", num, protowire.ParseError(used))
		}
		payload = payload[used:]
	}
	return nil
}
