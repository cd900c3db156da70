package pgwire

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	bin "github.com/mvan/pgwire/binary"

	"github.com/google/uuid"
)

// OID is a server-side type identifier. It selects and validates the
// encode/decode logic on both directions of the wire.
type OID uint32

// built-in type oids
const (
	Bool        OID = 16
	Bytea       OID = 17
	QChar       OID = 18 // the 1 byte "char" type, not character(1)
	Int8        OID = 20
	Int2        OID = 21
	Int4        OID = 23
	Text        OID = 25
	JSON        OID = 114
	Float4      OID = 700
	Float8      OID = 701
	Unknown     OID = 705
	Bpchar      OID = 1042
	Varchar     OID = 1043
	Timestamp   OID = 1114
	Timestamptz OID = 1184
	Numeric     OID = 1700
	UUID        OID = 2950
	JSONB       OID = 3802
)

// wire formats
const (
	formatText   int16 = 0
	formatBinary int16 = 1
)

// WireEncoder is the capability contract for parameter values the core
// matrix does not know about. The returned bytes are in the binary
// format of the reported oid.
type WireEncoder interface {
	WireEncode() (OID, []byte, error)
}

// WireDecoder is the capability contract for scanning a column value
// into a caller-provided type. data is nil for SQL NULL.
type WireDecoder interface {
	WireDecode(typOID OID, format int16, data []byte) error
}

// typeAttribute is the struct containing all the attributes of a
// postgres type known to the driver
type typeAttribute struct {
	name     string
	scanType reflect.Type
	writer   func(*bin.Encoder, interface{}) error
	reader   func(data []byte, format int16) (interface{}, error)
}

// typeAttributes is the codec matrix. Columns whose oid is absent are
// requested and decoded in text format.
var typeAttributes = map[OID]typeAttribute{
	Bool:        {"boolean", reflect.TypeOf(true), encodeBool, decodeBool},
	QChar:       {"\"char\"", reflect.TypeOf(int64(0)), encodeQChar, decodeQChar},
	Int2:        {"smallint", reflect.TypeOf(int64(0)), encodeInt2, decodeInt2},
	Int4:        {"integer", reflect.TypeOf(int64(0)), encodeInt4, decodeInt4},
	Int8:        {"bigint", reflect.TypeOf(int64(0)), encodeInt8, decodeInt8},
	Float4:      {"real", reflect.TypeOf(float64(0)), encodeFloat4, decodeFloat4},
	Float8:      {"double precision", reflect.TypeOf(float64(0)), encodeFloat8, decodeFloat8},
	Text:        {"text", reflect.TypeOf(""), encodeChar, decodeChar},
	Varchar:     {"character varying", reflect.TypeOf(""), encodeChar, decodeChar},
	Bpchar:      {"character", reflect.TypeOf(""), encodeChar, decodeChar},
	Bytea:       {"bytea", reflect.TypeOf([]byte{}), encodeBytea, decodeBytea},
	Timestamp:   {"timestamp without time zone", reflect.TypeOf(time.Time{}), encodeTimestamp, decodeTimestamp},
	Timestamptz: {"timestamp with time zone", reflect.TypeOf(time.Time{}), encodeTimestamp, decodeTimestamptz},
	UUID:        {"uuid", reflect.TypeOf(uuid.UUID{}), encodeUUID, decodeUUID},
	JSON:        {"json", reflect.TypeOf(""), encodeJSON, decodeJSON},
	JSONB:       {"jsonb", reflect.TypeOf(""), encodeJSONB, decodeJSONB},
	Numeric:     {"numeric", reflect.TypeOf(Num{}), encodeNumeric, decodeNumeric},
}

// RegisterType extends the codec matrix with a new oid.
// Must be called before any connection is opened, typically from init.
func RegisterType(o OID, name string, scanType reflect.Type,
	writer func(*bin.Encoder, interface{}) error,
	reader func(data []byte, format int16) (interface{}, error)) {
	typeAttributes[o] = typeAttribute{name, scanType, writer, reader}
}

// resultFormat returns the format to request for a column of the given
// type: binary when the matrix has a codec for it, text otherwise.
func resultFormat(o OID) int16 {
	if _, ok := typeAttributes[o]; ok {
		return formatBinary
	}
	return formatText
}

// encodeValue serializes a parameter for the given target oid.
// nil encodes as SQL NULL. Values implementing WireEncoder bypass the
// matrix; their self-reported oid must agree with the target.
func encodeValue(v interface{}, target OID) (data []byte, format int16, err error) {
	if v == nil {
		return nil, formatBinary, nil
	}

	if enc, ok := v.(WireEncoder); ok {
		o, data, err := enc.WireEncode()
		if err != nil {
			return nil, 0, err
		}
		if target != 0 && o != target {
			return nil, 0, &ConversionError{OID: target,
				GoType: reflect.TypeOf(v).String(),
				Reason: fmt.Sprintf("value reports oid %d", o)}
		}
		return data, formatBinary, nil
	}

	attr, ok := typeAttributes[target]
	if !ok {
		return nil, 0, &ConversionError{OID: target,
			GoType: reflect.TypeOf(v).String(), Reason: "no codec for target type"}
	}

	var mb bytes.Buffer
	e := bin.NewEncoder(&mb)
	if err = attr.writer(&e, v); err != nil {
		return nil, 0, err
	}
	return mb.Bytes(), formatBinary, nil
}

// decodeValue deserializes a column value. nil data yields nil.
// Unknown oids are only valid in text format and decode to string.
func decodeValue(data []byte, typOID OID, format int16) (interface{}, error) {
	if data == nil {
		return nil, nil
	}

	attr, ok := typeAttributes[typOID]
	if !ok {
		if format != formatText {
			return nil, &ConversionError{OID: typOID,
				Reason: "binary data for a type without codec"}
		}
		return string(data), nil
	}
	return attr.reader(data, format)
}

// isCharOID reports whether values of the type carry client_encoding
// bytes in both wire formats
func isCharOID(o OID) bool {
	switch o {
	case Text, Varchar, Bpchar, JSON, Unknown:
		return true
	}
	return false
}

// conversionErr builds the error for a Go value the writer cannot accept
func conversionErr(o OID, v interface{}, reason string) error {
	return &ConversionError{OID: o, GoType: reflect.TypeOf(v).String(), Reason: reason}
}

// asInt64 widens any signed integer input to int64
func asInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case int16:
		return int64(val), true
	case int8:
		return int64(val), true
	}
	return 0, false
}

//
// data encoders/decoders
//

func encodeBool(e *bin.Encoder, v interface{}) error {
	val, ok := v.(bool)
	if !ok {
		return conversionErr(Bool, v, "bool expected")
	}
	if val {
		e.WriteByte(1)
	} else {
		e.WriteByte(0)
	}
	return e.Err()
}

func decodeBool(data []byte, format int16) (interface{}, error) {
	if format == formatText {
		switch string(data) {
		case "t", "true":
			return true, nil
		case "f", "false":
			return false, nil
		}
		return nil, &ConversionError{OID: Bool, Reason: "malformed boolean text"}
	}
	if len(data) != 1 {
		return nil, &ConversionError{OID: Bool, Reason: "invalid length"}
	}
	return data[0] != 0, nil
}

func encodeQChar(e *bin.Encoder, v interface{}) error {
	val, ok := asInt64(v)
	if !ok {
		return conversionErr(QChar, v, "integer expected")
	}
	if val > math.MaxInt8 || val < math.MinInt8 {
		return ErrOverFlow
	}
	e.WriteInt8(int8(val))
	return e.Err()
}

func decodeQChar(data []byte, format int16) (interface{}, error) {
	if format == formatText {
		if len(data) != 1 {
			return nil, &ConversionError{OID: QChar, Reason: "invalid length"}
		}
		return int64(int8(data[0])), nil
	}
	if len(data) != 1 {
		return nil, &ConversionError{OID: QChar, Reason: "invalid length"}
	}
	return int64(int8(data[0])), nil
}

func encodeInt2(e *bin.Encoder, v interface{}) error {
	val, ok := asInt64(v)
	if !ok {
		return conversionErr(Int2, v, "integer expected")
	}
	if val > math.MaxInt16 || val < math.MinInt16 {
		return ErrOverFlow
	}
	e.WriteInt16(int16(val))
	return e.Err()
}

func encodeInt4(e *bin.Encoder, v interface{}) error {
	val, ok := asInt64(v)
	if !ok {
		return conversionErr(Int4, v, "integer expected")
	}
	if val > math.MaxInt32 || val < math.MinInt32 {
		return ErrOverFlow
	}
	e.WriteInt32(int32(val))
	return e.Err()
}

func encodeInt8(e *bin.Encoder, v interface{}) error {
	val, ok := asInt64(v)
	if !ok {
		return conversionErr(Int8, v, "integer expected")
	}
	e.WriteInt64(val)
	return e.Err()
}

func decodeIntText(data []byte, o OID) (interface{}, error) {
	val, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return nil, &ConversionError{OID: o, Reason: "malformed integer text"}
	}
	return val, nil
}

func decodeInt2(data []byte, format int16) (interface{}, error) {
	if format == formatText {
		return decodeIntText(data, Int2)
	}
	if len(data) != 2 {
		return nil, &ConversionError{OID: Int2, Reason: "invalid length"}
	}
	return int64(int16(uint16(data[0])<<8 | uint16(data[1]))), nil
}

func decodeInt4(data []byte, format int16) (interface{}, error) {
	if format == formatText {
		return decodeIntText(data, Int4)
	}
	if len(data) != 4 {
		return nil, &ConversionError{OID: Int4, Reason: "invalid length"}
	}
	return int64(int32(uint32(data[0])<<24 | uint32(data[1])<<16 |
		uint32(data[2])<<8 | uint32(data[3]))), nil
}

func decodeInt8(data []byte, format int16) (interface{}, error) {
	if format == formatText {
		return decodeIntText(data, Int8)
	}
	if len(data) != 8 {
		return nil, &ConversionError{OID: Int8, Reason: "invalid length"}
	}
	var out uint64
	for _, b := range data {
		out = out<<8 | uint64(b)
	}
	return int64(out), nil
}

func encodeFloat4(e *bin.Encoder, v interface{}) error {
	var val float64
	switch f := v.(type) {
	case float64:
		val = f
	case float32:
		val = float64(f)
	default:
		return conversionErr(Float4, v, "float expected")
	}
	// the server accepts Infinity, only finite values can overflow
	if !math.IsInf(val, 0) && math.Abs(val) > math.MaxFloat32 {
		return ErrOverFlow
	}
	e.WriteUint32(math.Float32bits(float32(val)))
	return e.Err()
}

func encodeFloat8(e *bin.Encoder, v interface{}) error {
	var val float64
	switch f := v.(type) {
	case float64:
		val = f
	case float32:
		val = float64(f)
	default:
		return conversionErr(Float8, v, "float expected")
	}
	e.WriteUint64(math.Float64bits(val))
	return e.Err()
}

func decodeFloat4(data []byte, format int16) (interface{}, error) {
	if format == formatText {
		val, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return nil, &ConversionError{OID: Float4, Reason: "malformed float text"}
		}
		return val, nil
	}
	if len(data) != 4 {
		return nil, &ConversionError{OID: Float4, Reason: "invalid length"}
	}
	bits := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	return float64(math.Float32frombits(bits)), nil
}

func decodeFloat8(data []byte, format int16) (interface{}, error) {
	if format == formatText {
		val, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return nil, &ConversionError{OID: Float8, Reason: "malformed float text"}
		}
		return val, nil
	}
	if len(data) != 8 {
		return nil, &ConversionError{OID: Float8, Reason: "invalid length"}
	}
	var bits uint64
	for _, b := range data {
		bits = bits<<8 | uint64(b)
	}
	return math.Float64frombits(bits), nil
}

func encodeChar(e *bin.Encoder, v interface{}) error {
	val, ok := v.(string)
	if !ok {
		return conversionErr(Text, v, "string expected")
	}
	e.WriteString(val)
	return e.Err()
}

// text types use the same bytes in both formats
func decodeChar(data []byte, format int16) (interface{}, error) {
	return string(data), nil
}

func encodeBytea(e *bin.Encoder, v interface{}) error {
	val, ok := v.([]byte)
	if !ok {
		return conversionErr(Bytea, v, "[]byte expected")
	}
	e.Write(val)
	return e.Err()
}

func decodeBytea(data []byte, format int16) (interface{}, error) {
	if format == formatText {
		// hex escape format: \x0123...
		if !bytes.HasPrefix(data, []byte(`\x`)) {
			return nil, &ConversionError{OID: Bytea, Reason: "unsupported text escape format"}
		}
		out := make([]byte, hex.DecodedLen(len(data)-2))
		if _, err := hex.Decode(out, data[2:]); err != nil {
			return nil, &ConversionError{OID: Bytea, Reason: "malformed hex text"}
		}
		return out, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// postgres timestamps count microseconds from 2000-01-01
var pgEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// text layouts sent by the server, most precise first
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05Z07",
	"2006-01-02 15:04:05",
}

func encodeTimestamp(e *bin.Encoder, v interface{}) error {
	val, ok := v.(time.Time)
	if !ok {
		return conversionErr(Timestamp, v, "time.Time expected")
	}
	e.WriteInt64(val.UTC().Sub(pgEpoch).Microseconds())
	return e.Err()
}

func decodeTimestampAs(data []byte, format int16, o OID) (time.Time, error) {
	if format == formatText {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, string(data)); err == nil {
				return t, nil
			}
		}
		return time.Time{}, &ConversionError{OID: o, Reason: "malformed timestamp text"}
	}
	if len(data) != 8 {
		return time.Time{}, &ConversionError{OID: o, Reason: "invalid length"}
	}
	var us uint64
	for _, b := range data {
		us = us<<8 | uint64(b)
	}
	return pgEpoch.Add(time.Duration(int64(us)) * time.Microsecond), nil
}

func decodeTimestamp(data []byte, format int16) (interface{}, error) {
	t, err := decodeTimestampAs(data, format, Timestamp)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func decodeTimestamptz(data []byte, format int16) (interface{}, error) {
	t, err := decodeTimestampAs(data, format, Timestamptz)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func encodeUUID(e *bin.Encoder, v interface{}) error {
	switch val := v.(type) {
	case uuid.UUID:
		e.Write(val[:])
	case string:
		parsed, err := uuid.Parse(val)
		if err != nil {
			return conversionErr(UUID, v, "malformed uuid string")
		}
		e.Write(parsed[:])
	case [16]byte:
		e.Write(val[:])
	default:
		return conversionErr(UUID, v, "uuid.UUID or string expected")
	}
	return e.Err()
}

func decodeUUID(data []byte, format int16) (interface{}, error) {
	if format == formatText {
		parsed, err := uuid.Parse(string(data))
		if err != nil {
			return nil, &ConversionError{OID: UUID, Reason: "malformed uuid text"}
		}
		return parsed, nil
	}
	if len(data) != 16 {
		return nil, &ConversionError{OID: UUID, Reason: "invalid length"}
	}
	var out uuid.UUID
	copy(out[:], data)
	return out, nil
}

func jsonBytes(o OID, v interface{}) ([]byte, error) {
	var val []byte
	switch j := v.(type) {
	case string:
		val = []byte(j)
	case []byte:
		val = j
	case json.RawMessage:
		val = j
	default:
		return nil, conversionErr(o, v, "string, []byte or json.RawMessage expected")
	}
	if !json.Valid(val) {
		return nil, conversionErr(o, v, "invalid json document")
	}
	return val, nil
}

func encodeJSON(e *bin.Encoder, v interface{}) error {
	val, err := jsonBytes(JSON, v)
	if err != nil {
		return err
	}
	e.Write(val)
	return e.Err()
}

func decodeJSON(data []byte, format int16) (interface{}, error) {
	return string(data), nil
}

// jsonbVersion prefixes every binary jsonb value
const jsonbVersion = 1

func encodeJSONB(e *bin.Encoder, v interface{}) error {
	val, err := jsonBytes(JSONB, v)
	if err != nil {
		return err
	}
	e.WriteByte(jsonbVersion)
	e.Write(val)
	return e.Err()
}

func decodeJSONB(data []byte, format int16) (interface{}, error) {
	if format == formatText {
		return string(data), nil
	}
	if len(data) < 1 || data[0] != jsonbVersion {
		return nil, &ConversionError{OID: JSONB, Reason: "unknown jsonb version"}
	}
	return string(data[1:]), nil
}
