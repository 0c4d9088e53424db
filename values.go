// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package s7

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// ValueType is the interpretation of a run of PLC bytes.
type ValueType uint8

// Value types.
const (
	TypeBit ValueType = iota + 1
	TypeByte
	TypeWord
	TypeInt
	TypeDWord
	TypeDInt
	TypeReal
	TypeLReal
	TypeString
	TypeS7String
	TypeS7WString
	TypeTimer
	TypeCounter
	TypeDateTime
	TypeDateTimeLong
)

var valueTypeNames = map[ValueType]string{
	TypeBit:          "BOOL",
	TypeByte:         "BYTE",
	TypeWord:         "WORD",
	TypeInt:          "INT",
	TypeDWord:        "DWORD",
	TypeDInt:         "DINT",
	TypeReal:         "REAL",
	TypeLReal:        "LREAL",
	TypeString:       "CHARS",
	TypeS7String:     "STRING",
	TypeS7WString:    "WSTRING",
	TypeTimer:        "S5TIME",
	TypeCounter:      "COUNTER",
	TypeDateTime:     "DATE_AND_TIME",
	TypeDateTimeLong: "DTL",
}

// String returns the IEC-style name of the value type.
func (t ValueType) String() string {
	if name, ok := valueTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ValueType(%d)", uint8(t))
}

// ParseValueType parses a type name such as "int", "real" or "wstring".
func ParseValueType(s string) (ValueType, error) {
	switch strings.ToUpper(s) {
	case "BOOL", "BIT", "X":
		return TypeBit, nil
	case "BYTE", "B", "USINT":
		return TypeByte, nil
	case "WORD", "W", "UINT":
		return TypeWord, nil
	case "INT":
		return TypeInt, nil
	case "DWORD", "D", "UDINT":
		return TypeDWord, nil
	case "DINT":
		return TypeDInt, nil
	case "REAL", "FLOAT":
		return TypeReal, nil
	case "LREAL", "DOUBLE":
		return TypeLReal, nil
	case "CHARS", "STR":
		return TypeString, nil
	case "STRING":
		return TypeS7String, nil
	case "WSTRING":
		return TypeS7WString, nil
	case "S5TIME", "TIMER", "T":
		return TypeTimer, nil
	case "COUNTER", "C", "Z":
		return TypeCounter, nil
	case "DATE_AND_TIME", "DT", "DATETIME":
		return TypeDateTime, nil
	case "DTL":
		return TypeDateTimeLong, nil
	}
	return 0, fmt.Errorf("s7: unknown value type %q", s)
}

// Size returns the number of PLC bytes occupied by one value. length is the
// declared character count for string types and is ignored otherwise.
func (t ValueType) Size(length int) int {
	switch t {
	case TypeBit, TypeByte:
		return 1
	case TypeWord, TypeInt, TypeTimer, TypeCounter:
		return 2
	case TypeDWord, TypeDInt, TypeReal:
		return 4
	case TypeLReal, TypeDateTime:
		return 8
	case TypeDateTimeLong:
		return 12
	case TypeString:
		return length
	case TypeS7String:
		return 2 + length
	case TypeS7WString:
		return 4 + 2*length
	default:
		return 0
	}
}

// Limits of the variable-length string types.
const (
	MaxS7StringCapacity  = 254
	MaxS7WStringCapacity = 16382
)

func checkLen(name string, b []byte, n int) error {
	if len(b) != n {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrValueFormat, name, n, len(b))
	}
	return nil
}

// DecodeWord decodes a big-endian 16-bit unsigned value.
func DecodeWord(b []byte) (uint16, error) {
	if err := checkLen("WORD", b, 2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// EncodeWord encodes a 16-bit unsigned value.
func EncodeWord(v uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, v)
}

// DecodeInt decodes a big-endian 16-bit signed value.
func DecodeInt(b []byte) (int16, error) {
	if err := checkLen("INT", b, 2); err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

// EncodeInt encodes a 16-bit signed value.
func EncodeInt(v int16) []byte {
	return EncodeWord(uint16(v))
}

// DecodeDWord decodes a big-endian 32-bit unsigned value.
func DecodeDWord(b []byte) (uint32, error) {
	if err := checkLen("DWORD", b, 4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// EncodeDWord encodes a 32-bit unsigned value.
func EncodeDWord(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

// DecodeDInt decodes a big-endian 32-bit signed value.
func DecodeDInt(b []byte) (int32, error) {
	if err := checkLen("DINT", b, 4); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// EncodeDInt encodes a 32-bit signed value.
func EncodeDInt(v int32) []byte {
	return EncodeDWord(uint32(v))
}

// DecodeReal decodes a big-endian IEEE-754 single.
func DecodeReal(b []byte) (float32, error) {
	if err := checkLen("REAL", b, 4); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

// EncodeReal encodes an IEEE-754 single.
func EncodeReal(v float32) []byte {
	return EncodeDWord(math.Float32bits(v))
}

// DecodeLReal decodes a big-endian IEEE-754 double.
func DecodeLReal(b []byte) (float64, error) {
	if err := checkLen("LREAL", b, 8); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// EncodeLReal encodes an IEEE-754 double.
func EncodeLReal(v float64) []byte {
	return binary.BigEndian.AppendUint64(nil, math.Float64bits(v))
}

// DecodeBit reports whether bit n (0-7) of b is set.
func DecodeBit(b byte, n int) (bool, error) {
	if n < 0 || n > 7 {
		return false, fmt.Errorf("%w: bit %d out of range 0-7", ErrValueFormat, n)
	}
	return b&(1<<n) != 0, nil
}

// SetBit returns b with bit n set or cleared. n must be in 0-7.
func SetBit(b byte, n int, v bool) byte {
	if v {
		return b | 1<<n
	}
	return b &^ (1 << n)
}

// DecodeString decodes a fixed-length character buffer. Trailing NUL
// padding is removed.
func DecodeString(b []byte, enc encoding.Encoding) (string, error) {
	return decodeText(strings.TrimRight(string(b), "\x00"), enc)
}

// EncodeString encodes s into a buffer of exactly length bytes,
// truncating or NUL-padding as needed.
func EncodeString(s string, length int, enc encoding.Encoding) ([]byte, error) {
	raw, err := encodeText(s, enc)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	copy(buf, raw)
	return buf, nil
}

// DecodeS7String decodes a STRING: capacity byte, length byte, payload.
func DecodeS7String(b []byte, enc encoding.Encoding) (string, error) {
	if len(b) < 2 {
		return "", fmt.Errorf("%w: STRING header needs 2 bytes, got %d", ErrValueFormat, len(b))
	}
	capacity, n := int(b[0]), int(b[1])
	if capacity > MaxS7StringCapacity {
		return "", fmt.Errorf("%w: STRING capacity %d exceeds %d", ErrValueFormat, capacity, MaxS7StringCapacity)
	}
	if n > capacity {
		return "", fmt.Errorf("%w: STRING length %d exceeds capacity %d", ErrValueFormat, n, capacity)
	}
	if len(b) < 2+n {
		return "", fmt.Errorf("%w: STRING truncated, need %d bytes, got %d", ErrValueFormat, 2+n, len(b))
	}
	return decodeText(string(b[2:2+n]), enc)
}

// EncodeS7String encodes s as a STRING with the given capacity. The result
// is always 2+capacity bytes.
func EncodeS7String(s string, capacity int, enc encoding.Encoding) ([]byte, error) {
	if capacity < 0 || capacity > MaxS7StringCapacity {
		return nil, fmt.Errorf("%w: STRING capacity %d out of range 0-%d", ErrValueFormat, capacity, MaxS7StringCapacity)
	}
	raw, err := encodeText(s, enc)
	if err != nil {
		return nil, err
	}
	if len(raw) > capacity {
		return nil, fmt.Errorf("%w: STRING of %d bytes exceeds capacity %d", ErrValueFormat, len(raw), capacity)
	}
	buf := make([]byte, 2+capacity)
	buf[0] = byte(capacity)
	buf[1] = byte(len(raw))
	copy(buf[2:], raw)
	return buf, nil
}

var utf16BE = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// DecodeS7WString decodes a WSTRING: capacity and length words followed by
// UTF-16BE code units.
func DecodeS7WString(b []byte) (string, error) {
	if len(b) < 4 {
		return "", fmt.Errorf("%w: WSTRING header needs 4 bytes, got %d", ErrValueFormat, len(b))
	}
	capacity := int(binary.BigEndian.Uint16(b[0:2]))
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if capacity > MaxS7WStringCapacity {
		return "", fmt.Errorf("%w: WSTRING capacity %d exceeds %d", ErrValueFormat, capacity, MaxS7WStringCapacity)
	}
	if n > capacity {
		return "", fmt.Errorf("%w: WSTRING length %d exceeds capacity %d", ErrValueFormat, n, capacity)
	}
	if len(b) < 4+2*n {
		return "", fmt.Errorf("%w: WSTRING truncated, need %d bytes, got %d", ErrValueFormat, 4+2*n, len(b))
	}
	out, err := utf16BE.NewDecoder().Bytes(b[4 : 4+2*n])
	if err != nil {
		return "", fmt.Errorf("%w: WSTRING: %w", ErrValueFormat, err)
	}
	return string(out), nil
}

// EncodeS7WString encodes s as a WSTRING with the given capacity in
// characters. The result is always 4+2*capacity bytes.
func EncodeS7WString(s string, capacity int) ([]byte, error) {
	if capacity < 0 || capacity > MaxS7WStringCapacity {
		return nil, fmt.Errorf("%w: WSTRING capacity %d out of range 0-%d", ErrValueFormat, capacity, MaxS7WStringCapacity)
	}
	raw, err := utf16BE.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("%w: WSTRING: %w", ErrValueFormat, err)
	}
	n := len(raw) / 2
	if n > capacity {
		return nil, fmt.Errorf("%w: WSTRING of %d characters exceeds capacity %d", ErrValueFormat, n, capacity)
	}
	buf := make([]byte, 4+2*capacity)
	binary.BigEndian.PutUint16(buf[0:2], uint16(capacity))
	binary.BigEndian.PutUint16(buf[2:4], uint16(n))
	copy(buf[4:], raw)
	return buf, nil
}

func decodeText(s string, enc encoding.Encoding) (string, error) {
	if enc == nil {
		return s, nil
	}
	out, err := enc.NewDecoder().String(s)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValueFormat, err)
	}
	return out, nil
}

func encodeText(s string, enc encoding.Encoding) ([]byte, error) {
	if enc == nil {
		return []byte(s), nil
	}
	out, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValueFormat, err)
	}
	return out, nil
}

func fromBCD(b byte) (int, error) {
	hi, lo := int(b>>4), int(b&0x0F)
	if hi > 9 || lo > 9 {
		return 0, fmt.Errorf("%w: invalid BCD byte 0x%02X", ErrValueFormat, b)
	}
	return hi*10 + lo, nil
}

func toBCD(n int) byte {
	return byte((n/10)<<4 | n%10)
}

// Supported range of DATE_AND_TIME values.
var (
	minDateTime = time.Date(1990, time.January, 1, 0, 0, 0, 0, time.UTC)
	maxDateTime = time.Date(2089, time.December, 31, 23, 59, 59, 999_000_000, time.UTC)
)

// DecodeDateTime decodes an 8-byte packed-BCD DATE_AND_TIME. The PLC clock
// has no zone; the result is returned in UTC.
func DecodeDateTime(b []byte) (time.Time, error) {
	if err := checkLen("DATE_AND_TIME", b, 8); err != nil {
		return time.Time{}, err
	}
	var f [6]int
	for i := 0; i < 6; i++ {
		v, err := fromBCD(b[i])
		if err != nil {
			return time.Time{}, err
		}
		f[i] = v
	}
	msHi, err := fromBCD(b[6])
	if err != nil {
		return time.Time{}, err
	}
	msLo := int(b[7] >> 4)
	if msLo > 9 {
		return time.Time{}, fmt.Errorf("%w: invalid BCD millisecond digit 0x%X", ErrValueFormat, msLo)
	}

	year := 2000 + f[0]
	if f[0] >= 90 {
		year = 1900 + f[0]
	}
	month, day, hour, minute, sec := f[1], f[2], f[3], f[4], f[5]
	if month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("%w: month %d out of range", ErrValueFormat, month)
	}
	if day < 1 || day > daysIn(year, time.Month(month)) {
		return time.Time{}, fmt.Errorf("%w: day %d out of range", ErrValueFormat, day)
	}
	if hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}, fmt.Errorf("%w: time %02d:%02d:%02d out of range", ErrValueFormat, hour, minute, sec)
	}
	ms := msHi*10 + msLo
	return time.Date(year, time.Month(month), day, hour, minute, sec, ms*int(time.Millisecond), time.UTC), nil
}

// EncodeDateTime encodes t as DATE_AND_TIME using its wall clock fields.
// Sub-millisecond precision is dropped.
func EncodeDateTime(t time.Time) ([]byte, error) {
	wall := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	if wall.Before(minDateTime) || wall.After(maxDateTime) {
		return nil, fmt.Errorf("%w: DATE_AND_TIME %s outside 1990-2089", ErrValueFormat, t.Format(time.RFC3339))
	}
	ms := t.Nanosecond() / int(time.Millisecond)
	return []byte{
		toBCD(t.Year() % 100),
		toBCD(int(t.Month())),
		toBCD(t.Day()),
		toBCD(t.Hour()),
		toBCD(t.Minute()),
		toBCD(t.Second()),
		toBCD(ms / 10),
		byte(ms%10)<<4 | byte(t.Weekday()+1),
	}, nil
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DecodeDTL decodes a 12-byte DTL value.
func DecodeDTL(b []byte) (time.Time, error) {
	if err := checkLen("DTL", b, 12); err != nil {
		return time.Time{}, err
	}
	year := int(binary.BigEndian.Uint16(b[0:2]))
	month, day := int(b[2]), int(b[3])
	hour, minute, sec := int(b[5]), int(b[6]), int(b[7])
	nsec := binary.BigEndian.Uint32(b[8:12])
	if year < 1970 || year > 2262 {
		return time.Time{}, fmt.Errorf("%w: DTL year %d out of range 1970-2262", ErrValueFormat, year)
	}
	if month < 1 || month > 12 || day < 1 || day > daysIn(year, time.Month(month)) {
		return time.Time{}, fmt.Errorf("%w: DTL date %d-%d out of range", ErrValueFormat, month, day)
	}
	if hour > 23 || minute > 59 || sec > 59 || nsec > 999_999_999 {
		return time.Time{}, fmt.Errorf("%w: DTL time out of range", ErrValueFormat)
	}
	return time.Date(year, time.Month(month), day, hour, minute, sec, int(nsec), time.UTC), nil
}

// EncodeDTL encodes t as DTL using its wall clock fields.
func EncodeDTL(t time.Time) ([]byte, error) {
	if t.Year() < 1970 || t.Year() > 2262 {
		return nil, fmt.Errorf("%w: DTL year %d out of range 1970-2262", ErrValueFormat, t.Year())
	}
	b := make([]byte, 12)
	binary.BigEndian.PutUint16(b[0:2], uint16(t.Year()))
	b[2] = byte(t.Month())
	b[3] = byte(t.Day())
	b[4] = byte(t.Weekday() + 1)
	b[5] = byte(t.Hour())
	b[6] = byte(t.Minute())
	b[7] = byte(t.Second())
	binary.BigEndian.PutUint32(b[8:12], uint32(t.Nanosecond()))
	return b, nil
}

var s5TimeBases = [4]time.Duration{
	10 * time.Millisecond,
	100 * time.Millisecond,
	time.Second,
	10 * time.Second,
}

// DecodeTimer decodes an S5TIME word into a duration.
func DecodeTimer(b []byte) (time.Duration, error) {
	w, err := DecodeWord(b)
	if err != nil {
		return 0, err
	}
	units, err := decodeBCD3(w)
	if err != nil {
		return 0, err
	}
	base := s5TimeBases[(w>>12)&0x03]
	return time.Duration(units) * base, nil
}

// EncodeTimer encodes d as S5TIME using the finest time base that holds it.
// Precision below the chosen base is truncated.
func EncodeTimer(d time.Duration) ([]byte, error) {
	if d < 0 {
		return nil, fmt.Errorf("%w: negative S5TIME %s", ErrValueFormat, d)
	}
	for i, base := range s5TimeBases {
		units := int(d / base)
		if units <= 999 {
			return EncodeWord(uint16(i)<<12 | encodeBCD3(units)), nil
		}
	}
	return nil, fmt.Errorf("%w: S5TIME %s exceeds 2h46m30s", ErrValueFormat, d)
}

// DecodeCounter decodes a three-digit BCD counter value.
func DecodeCounter(b []byte) (uint16, error) {
	w, err := DecodeWord(b)
	if err != nil {
		return 0, err
	}
	v, err := decodeBCD3(w)
	return uint16(v), err
}

// EncodeCounter encodes a counter value in 0-999.
func EncodeCounter(v uint16) ([]byte, error) {
	if v > 999 {
		return nil, fmt.Errorf("%w: counter %d exceeds 999", ErrValueFormat, v)
	}
	return EncodeWord(encodeBCD3(int(v))), nil
}

func decodeBCD3(w uint16) (int, error) {
	d2, d1, d0 := int(w>>8&0x0F), int(w>>4&0x0F), int(w&0x0F)
	if d2 > 9 || d1 > 9 || d0 > 9 {
		return 0, fmt.Errorf("%w: invalid BCD word 0x%04X", ErrValueFormat, w)
	}
	return d2*100 + d1*10 + d0, nil
}

func encodeBCD3(n int) uint16 {
	return uint16(n/100)<<8 | uint16(n/10%10)<<4 | uint16(n%10)
}

// DecodeValue decodes b according to t. The Go type of the result is:
//
//	TypeBit                   bool
//	TypeByte                  uint8
//	TypeWord                  uint16
//	TypeInt                   int16
//	TypeDWord                 uint32
//	TypeDInt                  int32
//	TypeReal                  float32
//	TypeLReal                 float64
//	TypeString, TypeS7String  string
//	TypeS7WString             string
//	TypeTimer                 time.Duration
//	TypeCounter               uint16
//	TypeDateTime, TypeDateTimeLong  time.Time
//
// enc applies to the 8-bit string types; nil passes bytes through unchanged.
func DecodeValue(t ValueType, b []byte, enc encoding.Encoding) (any, error) {
	switch t {
	case TypeBit:
		if err := checkLen("BOOL", b, 1); err != nil {
			return nil, err
		}
		return b[0] != 0, nil
	case TypeByte:
		if err := checkLen("BYTE", b, 1); err != nil {
			return nil, err
		}
		return b[0], nil
	case TypeWord:
		return DecodeWord(b)
	case TypeInt:
		return DecodeInt(b)
	case TypeDWord:
		return DecodeDWord(b)
	case TypeDInt:
		return DecodeDInt(b)
	case TypeReal:
		return DecodeReal(b)
	case TypeLReal:
		return DecodeLReal(b)
	case TypeString:
		return DecodeString(b, enc)
	case TypeS7String:
		return DecodeS7String(b, enc)
	case TypeS7WString:
		return DecodeS7WString(b)
	case TypeTimer:
		return DecodeTimer(b)
	case TypeCounter:
		return DecodeCounter(b)
	case TypeDateTime:
		return DecodeDateTime(b)
	case TypeDateTimeLong:
		return DecodeDTL(b)
	default:
		return nil, fmt.Errorf("%w: unsupported value type %s", ErrValueFormat, t)
	}
}

// EncodeValue encodes v as t. length is the declared character count of
// string types. Numeric types accept any Go integer or float that fits.
func EncodeValue(t ValueType, v any, length int, enc encoding.Encoding) ([]byte, error) {
	switch t {
	case TypeBit:
		b, ok := v.(bool)
		if !ok {
			return nil, typeMismatch(t, v)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeByte:
		n, err := toInt(t, v, 0, math.MaxUint8)
		return []byte{byte(n)}, err
	case TypeWord:
		n, err := toInt(t, v, 0, math.MaxUint16)
		return EncodeWord(uint16(n)), err
	case TypeInt:
		n, err := toInt(t, v, math.MinInt16, math.MaxInt16)
		return EncodeInt(int16(n)), err
	case TypeDWord:
		n, err := toInt(t, v, 0, math.MaxUint32)
		return EncodeDWord(uint32(n)), err
	case TypeDInt:
		n, err := toInt(t, v, math.MinInt32, math.MaxInt32)
		return EncodeDInt(int32(n)), err
	case TypeReal:
		f, err := toFloat(t, v)
		return EncodeReal(float32(f)), err
	case TypeLReal:
		f, err := toFloat(t, v)
		return EncodeLReal(f), err
	case TypeString, TypeS7String, TypeS7WString:
		s, ok := v.(string)
		if !ok {
			return nil, typeMismatch(t, v)
		}
		switch t {
		case TypeString:
			return EncodeString(s, length, enc)
		case TypeS7String:
			return EncodeS7String(s, length, enc)
		default:
			return EncodeS7WString(s, length)
		}
	case TypeTimer:
		d, ok := v.(time.Duration)
		if !ok {
			return nil, typeMismatch(t, v)
		}
		return EncodeTimer(d)
	case TypeCounter:
		n, err := toInt(t, v, 0, 999)
		if err != nil {
			return nil, err
		}
		return EncodeCounter(uint16(n))
	case TypeDateTime, TypeDateTimeLong:
		tm, ok := v.(time.Time)
		if !ok {
			return nil, typeMismatch(t, v)
		}
		if t == TypeDateTime {
			return EncodeDateTime(tm)
		}
		return EncodeDTL(tm)
	default:
		return nil, fmt.Errorf("%w: unsupported value type %s", ErrValueFormat, t)
	}
}

func typeMismatch(t ValueType, v any) error {
	return fmt.Errorf("%w: cannot encode %T as %s", ErrValueFormat, v, t)
}

func toInt(t ValueType, v any, lo, hi int64) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d out of range for %s", ErrValueFormat, x, t)
		}
		n = int64(x)
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d out of range for %s", ErrValueFormat, x, t)
		}
		n = int64(x)
	default:
		return 0, typeMismatch(t, v)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %d out of range for %s", ErrValueFormat, n, t)
	}
	return n, nil
}

func toFloat(t ValueType, v any) (float64, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	}
	n, err := toInt(t, v, math.MinInt64, math.MaxInt64)
	if err != nil {
		return 0, typeMismatch(t, v)
	}
	return float64(n), nil
}
