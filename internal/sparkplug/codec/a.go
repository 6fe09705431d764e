package codec

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

// Kura payload field numbers.
const (
	kuraPayloadTimestamp protowire.Number = 1
	kuraPayloadMetric    protowire.Number = 5000
	kuraPayloadBody      protowire.Number = 5001
)

// KuraMetric field numbers.
const (
	kuraMetricName   protowire.Number = 1
	kuraMetricType   protowire.Number = 2
	kuraMetricDouble protowire.Number = 3
	kuraMetricFloat  protowire.Number = 4
	kuraMetricLong   protowire.Number = 5
	kuraMetricInt    protowire.Number = 6
	kuraMetricBool   protowire.Number = 7
	kuraMetricString protowire.Number = 8
	kuraMetricBytes  protowire.Number = 9
)

// KuraMetric.ValueType
const (
	kuraDouble uint64 = 0
	kuraFloat  uint64 = 1
	kuraInt64  uint64 = 2
	kuraInt32  uint64 = 3
	kuraBool   uint64 = 4
	kuraString uint64 = 5
	kuraBytes  uint64 = 6
)

// seqMetric carries the sequence number: Kura payloads have no seq field.
const seqMetric = "seq"

var kuraTypes = map[sparkplug.DataType]uint64{
	sparkplug.TypeDouble:  kuraDouble,
	sparkplug.TypeFloat:   kuraFloat,
	sparkplug.TypeInt64:   kuraInt64,
	sparkplug.TypeInt32:   kuraInt32,
	sparkplug.TypeBoolean: kuraBool,
	sparkplug.TypeString:  kuraString,
	sparkplug.TypeBytes:   kuraBytes,
}

// A is the Sparkplug A codec. Kura payloads cannot express aliases,
// historical flags, per-metric timestamps or unsigned types; Encode rejects
// metrics that use them. A metric with no value field decodes as null.
type A struct{}

// Version returns sparkplug.VersionA.
func (A) Version() sparkplug.Version { return sparkplug.VersionA }

// Encode serialises msg as a Kura payload.
func (A) Encode(msg *sparkplug.Message) ([]byte, error) {
	if msg.UUID != "" {
		return nil, codecErr("version A payloads have no uuid")
	}

	var b []byte
	if msg.Timestamp != 0 {
		b = protowire.AppendTag(b, kuraPayloadTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, msg.Timestamp)
	}
	if msg.HasSeq {
		b = appendKuraMetric(b, sparkplug.Int64(seqMetric, int64(msg.Seq)))
	}
	for i := range msg.Metrics {
		m := msg.Metrics[i]
		if err := checkKuraMetric(&m); err != nil {
			return nil, err
		}
		b = appendKuraMetric(b, m)
	}
	if len(msg.Body) > 0 {
		b = protowire.AppendTag(b, kuraPayloadBody, protowire.BytesType)
		b = protowire.AppendBytes(b, msg.Body)
	}
	return b, nil
}

func checkKuraMetric(m *sparkplug.Metric) error {
	switch {
	case m.Name == "":
		return codecErr("version A metrics must be named")
	case m.Name == seqMetric:
		return codecErr("metric name %q is reserved", seqMetric)
	case m.Alias != 0:
		return codecErr("metric %q: version A has no aliases", m.Name)
	case m.IsHistorical:
		return codecErr("metric %q: version A has no historical flag", m.Name)
	case m.Timestamp != 0:
		return codecErr("metric %q: version A has no metric timestamps", m.Name)
	}
	if _, ok := kuraTypes[m.Type]; !ok {
		return codecErr("metric %q: type %s not representable in version A", m.Name, m.Type)
	}
	if err := m.Validate(); err != nil {
		return codecErr("%w", err)
	}
	return nil
}

func appendKuraMetric(b []byte, m sparkplug.Metric) []byte {
	var mb []byte
	mb = protowire.AppendTag(mb, kuraMetricName, protowire.BytesType)
	mb = protowire.AppendString(mb, m.Name)
	mb = protowire.AppendTag(mb, kuraMetricType, protowire.VarintType)
	mb = protowire.AppendVarint(mb, kuraTypes[m.Type])

	if !m.IsNull {
		switch v := m.Value.(type) {
		case float64:
			mb = protowire.AppendTag(mb, kuraMetricDouble, protowire.Fixed64Type)
			mb = protowire.AppendFixed64(mb, math.Float64bits(v))
		case float32:
			mb = protowire.AppendTag(mb, kuraMetricFloat, protowire.Fixed32Type)
			mb = protowire.AppendFixed32(mb, math.Float32bits(v))
		case int64:
			if m.Type == sparkplug.TypeInt32 {
				mb = protowire.AppendTag(mb, kuraMetricInt, protowire.VarintType)
			} else {
				mb = protowire.AppendTag(mb, kuraMetricLong, protowire.VarintType)
			}
			mb = protowire.AppendVarint(mb, uint64(v)) //nolint:gosec // sign-extended varint
		case bool:
			mb = protowire.AppendTag(mb, kuraMetricBool, protowire.VarintType)
			mb = protowire.AppendVarint(mb, protowire.EncodeBool(v))
		case string:
			mb = protowire.AppendTag(mb, kuraMetricString, protowire.BytesType)
			mb = protowire.AppendString(mb, v)
		case []byte:
			mb = protowire.AppendTag(mb, kuraMetricBytes, protowire.BytesType)
			mb = protowire.AppendBytes(mb, v)
		}
	}

	b = protowire.AppendTag(b, kuraPayloadMetric, protowire.BytesType)
	return protowire.AppendBytes(b, mb)
}

// Decode parses a Kura payload, lifting the reserved seq metric into
// Message.Seq.
func (A) Decode(payload []byte) (*sparkplug.Message, error) {
	msg := &sparkplug.Message{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == kuraPayloadTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			msg.Timestamp = v
			return n, nil
		case num == kuraPayloadMetric && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			m, err := decodeKuraMetric(raw)
			if err != nil {
				return 0, err
			}
			if m.Name == seqMetric {
				seq, ok := m.Value.(int64)
				if !ok || seq < 0 || seq > math.MaxUint8 {
					return 0, codecErr("seq metric %v out of range", m.Value)
				}
				msg.Seq = uint8(seq)
				msg.HasSeq = true
				return n, nil
			}
			msg.Metrics = append(msg.Metrics, m)
			return n, nil
		case num == kuraPayloadBody && typ == protowire.BytesType:
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

func decodeKuraMetric(payload []byte) (sparkplug.Metric, error) {
	var (
		m       sparkplug.Metric
		kt      uint64
		typeSet bool
	)
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == kuraMetricName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Name = v
			return n, nil
		case num == kuraMetricType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			kt, typeSet = v, true
			return n, nil
		case num == kuraMetricDouble && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			m.Value = math.Float64frombits(v)
			return n, nil
		case num == kuraMetricFloat && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			m.Value = math.Float32frombits(v)
			return n, nil
		case num == kuraMetricLong && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Value = int64(v) //nolint:gosec // sign-extended varint
			return n, nil
		case num == kuraMetricInt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Value = int64(int32(v)) //nolint:gosec // int32 field
			return n, nil
		case num == kuraMetricBool && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Value = protowire.DecodeBool(v)
			return n, nil
		case num == kuraMetricString && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Value = v
			return n, nil
		case num == kuraMetricBytes && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.Value = append([]byte{}, v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return sparkplug.Metric{}, err
	}
	if m.Name == "" || !typeSet {
		return sparkplug.Metric{}, codecErr("kura metric missing name or type")
	}

	found := false
	for dt, k := range kuraTypes {
		if k == kt {
			m.Type, found = dt, true
			break
		}
	}
	if !found {
		return sparkplug.Metric{}, codecErr("metric %q has unknown kura type %d", m.Name, kt)
	}

	if m.Value == nil {
		m.IsNull = true
		return m, nil
	}
	if err := m.Validate(); err != nil {
		return sparkplug.Metric{}, codecErr("%w", err)
	}
	return m, nil
}
