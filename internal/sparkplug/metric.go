package sparkplug

import (
	"fmt"
	"math"
	"strings"
)

// DataType is the closed set of metric value kinds. Values match the
// Sparkplug B DataType enumeration so they can be written to the wire as is.
type DataType uint32

const (
	TypeUnknown  DataType = 0
	TypeInt8     DataType = 1
	TypeInt16    DataType = 2
	TypeInt32    DataType = 3
	TypeInt64    DataType = 4
	TypeUInt8    DataType = 5
	TypeUInt16   DataType = 6
	TypeUInt32   DataType = 7
	TypeUInt64   DataType = 8
	TypeFloat    DataType = 9
	TypeDouble   DataType = 10
	TypeBoolean  DataType = 11
	TypeString   DataType = 12
	TypeDateTime DataType = 13
	TypeText     DataType = 14
	TypeUUID     DataType = 15
	TypeBytes    DataType = 17
	TypeFile     DataType = 18
)

var dataTypeNames = map[DataType]string{
	TypeInt8:     "Int8",
	TypeInt16:    "Int16",
	TypeInt32:    "Int32",
	TypeInt64:    "Int64",
	TypeUInt8:    "UInt8",
	TypeUInt16:   "UInt16",
	TypeUInt32:   "UInt32",
	TypeUInt64:   "UInt64",
	TypeFloat:    "Float",
	TypeDouble:   "Double",
	TypeBoolean:  "Boolean",
	TypeString:   "String",
	TypeDateTime: "DateTime",
	TypeText:     "Text",
	TypeUUID:     "UUID",
	TypeBytes:    "Bytes",
	TypeFile:     "File",
}

func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", uint32(t))
}

// Supported reports whether t is one of the kinds this engine handles.
func (t DataType) Supported() bool {
	_, ok := dataTypeNames[t]
	return ok
}

// ParseDataType resolves a type name such as "Double" or "int64".
func ParseDataType(s string) (DataType, error) {
	for t, name := range dataTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("%w: unknown data type %q", ErrInvalidMetric, s)
}

// Reserved metric names understood by the engine.
const (
	MetricBdSeq         = "bdSeq"
	MetricNodeRebirth   = "Node Control/Rebirth"
	MetricDeviceRebirth = "Device Control/Rebirth"
)

// Metric is a single named, typed value. Metrics are values; copy freely.
//
// Value holds the canonical Go type for Type:
//
//	Int8..Int64                 int64
//	UInt8..UInt64, DateTime     uint64
//	Float                       float32
//	Double                      float64
//	Boolean                     bool
//	String, Text, UUID          string
//	Bytes, File                 []byte
//
// A null metric has IsNull set and a nil Value. Alias 0 means no alias.
type Metric struct {
	Name         string   `json:"name,omitempty"`
	Alias        uint64   `json:"alias,omitempty"`
	Timestamp    uint64   `json:"timestamp,omitempty"`
	Type         DataType `json:"type"`
	Value        any      `json:"value"`
	IsHistorical bool     `json:"is_historical,omitempty"`
	IsNull       bool     `json:"is_null,omitempty"`
}

// NewMetric builds a metric, converting value to the canonical Go type for dt.
// Any Go integer, float, bool, string or []byte that fits dt is accepted.
func NewMetric(name string, dt DataType, value any) (Metric, error) {
	m := Metric{Name: name, Type: dt}
	v, err := normalize(dt, value)
	if err != nil {
		return Metric{}, fmt.Errorf("metric %q: %w", name, err)
	}
	m.Value = v
	return m, nil
}

// NullMetric builds a null metric of the given type.
func NullMetric(name string, dt DataType) Metric {
	return Metric{Name: name, Type: dt, IsNull: true}
}

// Double builds a Double metric.
func Double(name string, v float64) Metric {
	return Metric{Name: name, Type: TypeDouble, Value: v}
}

// Bool builds a Boolean metric.
func Bool(name string, v bool) Metric {
	return Metric{Name: name, Type: TypeBoolean, Value: v}
}

// Int64 builds an Int64 metric.
func Int64(name string, v int64) Metric {
	return Metric{Name: name, Type: TypeInt64, Value: v}
}

// String builds a String metric.
func String(name string, v string) Metric {
	return Metric{Name: name, Type: TypeString, Value: v}
}

// WithTimestamp returns a copy of m stamped with ts (ms since epoch).
func (m Metric) WithTimestamp(ts uint64) Metric {
	m.Timestamp = ts
	return m
}

// Historical returns a copy of m flagged as historical.
func (m Metric) Historical() Metric {
	m.IsHistorical = true
	return m
}

// Validate checks that the value agrees with the declared type.
func (m Metric) Validate() error {
	if !m.Type.Supported() {
		return fmt.Errorf("%w: metric %q has unsupported type %s", ErrInvalidMetric, m.label(), m.Type)
	}
	if m.IsNull {
		if m.Value != nil {
			return fmt.Errorf("%w: null metric %q carries a value", ErrInvalidMetric, m.label())
		}
		return nil
	}
	v, err := normalize(m.Type, m.Value)
	if err != nil {
		return fmt.Errorf("metric %q: %w", m.label(), err)
	}
	if !sameCanonical(v, m.Value) {
		return fmt.Errorf("%w: metric %q value is %T, want canonical type for %s", ErrInvalidMetric, m.label(), m.Value, m.Type)
	}
	return nil
}

// Coerce reinterprets a raw wire value under dt. Codecs leave values
// untyped when a DATA metric omits its datatype; the host resolves the type
// from the BIRTH catalog and calls Coerce.
func (m Metric) Coerce(dt DataType) (Metric, error) {
	m.Type = dt
	if m.IsNull {
		m.Value = nil
		return m, nil
	}
	switch raw := m.Value.(type) {
	case uint64:
		switch dt {
		case TypeInt8:
			m.Value = int64(int8(raw)) //nolint:gosec // two's complement wire form
		case TypeInt16:
			m.Value = int64(int16(raw)) //nolint:gosec // two's complement wire form
		case TypeInt32:
			m.Value = int64(int32(raw)) //nolint:gosec // two's complement wire form
		case TypeInt64:
			m.Value = int64(raw) //nolint:gosec // two's complement wire form
		case TypeUInt8:
			m.Value = uint64(uint8(raw)) //nolint:gosec // masked to width
		case TypeUInt16:
			m.Value = uint64(uint16(raw)) //nolint:gosec // masked to width
		case TypeUInt32:
			m.Value = uint64(uint32(raw)) //nolint:gosec // masked to width
		case TypeUInt64, TypeDateTime:
			m.Value = raw
		case TypeBoolean:
			m.Value = raw != 0
		default:
			return Metric{}, fmt.Errorf("%w: integer value for %s metric %q", ErrCodec, dt, m.label())
		}
		return m, nil
	}
	if err := m.Validate(); err != nil {
		return Metric{}, fmt.Errorf("%w: %w", ErrCodec, err)
	}
	return m, nil
}

func (m Metric) label() string {
	if m.Name != "" {
		return m.Name
	}
	return fmt.Sprintf("alias:%d", m.Alias)
}

func normalize(dt DataType, value any) (any, error) {
	switch dt {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		i, ok := toInt64(value)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not an integer", ErrInvalidMetric, value)
		}
		lo, hi := signedRange(dt)
		if i < lo || i > hi {
			return nil, fmt.Errorf("%w: %d out of range for %s", ErrInvalidMetric, i, dt)
		}
		return i, nil
	case TypeUInt8, TypeUInt16, TypeUInt32, TypeUInt64, TypeDateTime:
		u, ok := toUint64(value)
		if !ok {
			return nil, fmt.Errorf("%w: %v (%T) is not an unsigned integer", ErrInvalidMetric, value, value)
		}
		if u > unsignedMax(dt) {
			return nil, fmt.Errorf("%w: %d out of range for %s", ErrInvalidMetric, u, dt)
		}
		return u, nil
	case TypeFloat:
		switch v := value.(type) {
		case float32:
			return v, nil
		case float64:
			return float32(v), nil
		}
	case TypeDouble:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		}
	case TypeBoolean:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case TypeString, TypeText, TypeUUID:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case TypeBytes, TypeFile:
		if v, ok := value.([]byte); ok {
			return v, nil
		}
	default:
		return nil, fmt.Errorf("%w: unsupported type %s", ErrInvalidMetric, dt)
	}
	return nil, fmt.Errorf("%w: %T is not valid for %s", ErrInvalidMetric, value, dt)
}

func sameCanonical(a, b any) bool {
	switch av := a.(type) {
	case []byte:
		_, ok := b.([]byte)
		return ok
	case float32:
		bv, ok := b.(float32)
		return ok && (av == bv || math.IsNaN(float64(av)) && math.IsNaN(float64(bv)))
	case float64:
		bv, ok := b.(float64)
		return ok && (av == bv || math.IsNaN(av) && math.IsNaN(bv))
	default:
		return a == b
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true //nolint:gosec // bounds checked
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true //nolint:gosec // bounds checked
	}
	return 0, false
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	}
	i, ok := toInt64(v)
	if !ok || i < 0 {
		return 0, false
	}
	return uint64(i), true
}

func signedRange(dt DataType) (int64, int64) {
	switch dt {
	case TypeInt8:
		return math.MinInt8, math.MaxInt8
	case TypeInt16:
		return math.MinInt16, math.MaxInt16
	case TypeInt32:
		return math.MinInt32, math.MaxInt32
	default:
		return math.MinInt64, math.MaxInt64
	}
}

func unsignedMax(dt DataType) uint64 {
	switch dt {
	case TypeUInt8:
		return math.MaxUint8
	case TypeUInt16:
		return math.MaxUint16
	case TypeUInt32:
		return math.MaxUint32
	default:
		return math.MaxUint64
	}
}

// Message is the codec-neutral payload of one Sparkplug publish.
// Kind is derived from the topic and is not part of the wire payload.
type Message struct {
	Kind      MessageKind
	Seq       uint8
	HasSeq    bool
	Timestamp uint64
	Metrics   []Metric
	UUID      string
	Body      []byte
}

// Metric returns the first metric with the given name.
func (m *Message) Metric(name string) (Metric, bool) {
	for _, metric := range m.Metrics {
		if metric.Name == name {
			return metric, true
		}
	}
	return Metric{}, false
}

// BdSeq returns the bdSeq metric value if the message carries one.
func (m *Message) BdSeq() (uint64, bool) {
	metric, ok := m.Metric(MetricBdSeq)
	if !ok || metric.IsNull {
		return 0, false
	}
	switch v := metric.Value.(type) {
	case int64:
		return uint64(v), true //nolint:gosec // bdSeq is 0-255
	case uint64:
		return v, true
	}
	return 0, false
}
