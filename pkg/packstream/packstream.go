// Package packstream implements the PackStream binary serialization used by
// the Bolt protocol. PackStream has a closed set of value kinds: null,
// booleans, 64-bit signed integers, 64-bit floats, strings, byte arrays,
// lists, string-keyed maps and tagged structures. Decoding can only ever
// produce one of those kinds; anything else on the wire is an error, never a
// partial value.
package packstream

import (
	"encoding/binary"
	"fmt"
	"math"
)

var zero8 [8]byte

// Value is a single PackStream value. The implementations are exactly Null,
// Bool, Int, Float, String, Bytes, List, Map and Structure; the interface is
// sealed and cannot be satisfied outside this package.
type Value interface {
	isValue()
}

// Null is the PackStream null value.
type Null struct{}

// Bool is a PackStream boolean.
type Bool bool

// Int is a PackStream integer. All integer widths on the wire decode to Int.
type Int int64

// Float is a PackStream 64-bit float.
type Float float64

// String is a PackStream UTF-8 string.
type String string

// Bytes is a PackStream byte array.
type Bytes []byte

// List is a PackStream list of values.
type List []Value

// Map is a PackStream map with string keys.
type Map map[string]Value

// Structure is a tagged composite value. The tag byte identifies what the
// structure represents at a higher layer (messages, graph entities);
// packstream itself assigns it no meaning.
type Structure struct {
	Tag    byte
	Fields []Value
}

func (Null) isValue()      {}
func (Bool) isValue()      {}
func (Int) isValue()       {}
func (Float) isValue()     {}
func (String) isValue()    {}
func (Bytes) isValue()     {}
func (List) isValue()      {}
func (Map) isValue()       {}
func (Structure) isValue() {}

// GetString returns the value under key if it is present and is a String.
func (m Map) GetString(key string) (string, bool) {
	if s, ok := m[key].(String); ok {
		return string(s), true
	}
	return "", false
}

// GetInt returns the value under key if it is present and is an Int.
func (m Map) GetInt(key string) (int64, bool) {
	if n, ok := m[key].(Int); ok {
		return int64(n), true
	}
	return 0, false
}

// GetBool returns the value under key if it is present and is a Bool.
func (m Map) GetBool(key string) (bool, bool) {
	if b, ok := m[key].(Bool); ok {
		return bool(b), true
	}
	return false, false
}

// GetList returns the value under key if it is present and is a List.
func (m Map) GetList(key string) (List, bool) {
	if l, ok := m[key].(List); ok {
		return l, true
	}
	return nil, false
}

// GetMap returns the value under key if it is present and is a Map.
func (m Map) GetMap(key string) (Map, bool) {
	if mm, ok := m[key].(Map); ok {
		return mm, true
	}
	return nil, false
}

// ============================================================================
// Encoding
// ============================================================================

// Encode returns the PackStream encoding of v.
func Encode(v Value) []byte {
	return AppendValue(nil, v)
}

// AppendValue appends the PackStream encoding of v to dst and returns the
// extended slice. A nil Value encodes as null.
func AppendValue(dst []byte, v Value) []byte {
	switch val := v.(type) {
	case nil:
		return append(dst, 0xC0)
	case Null:
		return append(dst, 0xC0)
	case Bool:
		if val {
			return append(dst, 0xC3)
		}
		return append(dst, 0xC2)
	case Int:
		return AppendInt(dst, int64(val))
	case Float:
		dst = append(dst, 0xC1)
		dst = append(dst, zero8[:]...)
		binary.BigEndian.PutUint64(dst[len(dst)-8:], math.Float64bits(float64(val)))
		return dst
	case String:
		return AppendString(dst, string(val))
	case Bytes:
		return AppendBytes(dst, []byte(val))
	case List:
		return appendList(dst, val)
	case Map:
		return appendMap(dst, val)
	case Structure:
		return AppendStructure(dst, val.Tag, val.Fields...)
	}
	// Unreachable while Value stays sealed.
	return append(dst, 0xC0)
}

// AppendInt appends an integer using the smallest PackStream representation.
//
// PackStream integer encoding:
//   - Tiny: -16 to 127 (1 byte, inline)
//   - INT8: -128 to -17 (marker 0xC8 + 1 byte)
//   - INT16: -32768 to 32767 (marker 0xC9 + 2 bytes)
//   - INT32: -2147483648 to 2147483647 (marker 0xCA + 4 bytes)
//   - INT64: all other values (marker 0xCB + 8 bytes)
func AppendInt(dst []byte, val int64) []byte {
	// Tiny int: -16 to 127 (inline, 1 byte)
	if val >= -16 && val <= 127 {
		return append(dst, byte(val))
	}
	// INT8: -128 to -17 (marker + 1 byte)
	if val >= -128 && val < -16 {
		return append(dst, 0xC8, byte(val))
	}
	// INT16: -32768 to 32767 (marker + 2 bytes)
	if val >= -32768 && val <= 32767 {
		return append(dst, 0xC9, byte(val>>8), byte(val))
	}
	// INT32: -2147483648 to 2147483647
	if val >= -2147483648 && val <= 2147483647 {
		return append(dst, 0xCA, byte(val>>24), byte(val>>16), byte(val>>8), byte(val))
	}
	// INT64: everything else
	return append(dst, 0xCB,
		byte(val>>56), byte(val>>48), byte(val>>40), byte(val>>32),
		byte(val>>24), byte(val>>16), byte(val>>8), byte(val),
	)
}

// AppendString appends a PackStream string.
func AppendString(dst []byte, s string) []byte {
	length := len(s)

	if length < 16 {
		dst = append(dst, byte(0x80+length))
	} else if length < 256 {
		dst = append(dst, 0xD0, byte(length))
	} else if length < 65536 {
		dst = append(dst, 0xD1, byte(length>>8), byte(length))
	} else {
		dst = append(dst, 0xD2, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	}

	return append(dst, s...)
}

// AppendBytes appends a PackStream byte array.
func AppendBytes(dst []byte, b []byte) []byte {
	size := len(b)
	if size < 256 {
		dst = append(dst, 0xCC, byte(size))
	} else if size < 65536 {
		dst = append(dst, 0xCD, byte(size>>8), byte(size))
	} else {
		dst = append(dst, 0xCE, byte(size>>24), byte(size>>16), byte(size>>8), byte(size))
	}
	return append(dst, b...)
}

func appendList(dst []byte, items List) []byte {
	size := len(items)
	if size < 16 {
		dst = append(dst, byte(0x90+size))
	} else if size < 256 {
		dst = append(dst, 0xD4, byte(size))
	} else if size < 65536 {
		dst = append(dst, 0xD5, byte(size>>8), byte(size))
	} else {
		dst = append(dst, 0xD6, byte(size>>24), byte(size>>16), byte(size>>8), byte(size))
	}

	for _, item := range items {
		dst = AppendValue(dst, item)
	}

	return dst
}

func appendMap(dst []byte, m Map) []byte {
	size := len(m)
	if size < 16 {
		dst = append(dst, byte(0xA0+size))
	} else if size < 256 {
		dst = append(dst, 0xD8, byte(size))
	} else if size < 65536 {
		dst = append(dst, 0xD9, byte(size>>8), byte(size))
	} else {
		dst = append(dst, 0xDA, byte(size>>24), byte(size>>16), byte(size>>8), byte(size))
	}

	for k, v := range m {
		dst = AppendString(dst, k)
		dst = AppendValue(dst, v)
	}

	return dst
}

// AppendStructure appends a tagged structure with the given fields.
func AppendStructure(dst []byte, tag byte, fields ...Value) []byte {
	size := len(fields)
	if size < 16 {
		dst = append(dst, byte(0xB0+size), tag)
	} else if size < 256 {
		dst = append(dst, 0xDC, byte(size), tag)
	} else {
		dst = append(dst, 0xDD, byte(size>>8), byte(size), tag)
	}

	for _, f := range fields {
		dst = AppendValue(dst, f)
	}

	return dst
}

// ============================================================================
// Decoding
// ============================================================================

// Decode decodes a single value expected to span the whole of data.
func Decode(data []byte) (Value, error) {
	v, n, err := DecodeValue(data, 0)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("trailing data after value: %d bytes", len(data)-n)
	}
	return v, nil
}

// DecodeValue decodes the value starting at offset and returns it together
// with the number of bytes consumed.
func DecodeValue(data []byte, offset int) (Value, int, error) {
	if offset >= len(data) {
		return nil, 0, fmt.Errorf("offset out of bounds")
	}

	marker := data[offset]

	// Null
	if marker == 0xC0 {
		return Null{}, 1, nil
	}

	// Boolean
	if marker == 0xC2 {
		return Bool(false), 1, nil
	}
	if marker == 0xC3 {
		return Bool(true), 1, nil
	}

	// Tiny positive int (0x00-0x7F)
	if marker <= 0x7F {
		return Int(marker), 1, nil
	}

	// Tiny negative int (0xF0-0xFF = -16 to -1)
	if marker >= 0xF0 {
		return Int(int8(marker)), 1, nil
	}

	// INT8
	if marker == 0xC8 {
		if offset+1 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete INT8")
		}
		return Int(int8(data[offset+1])), 2, nil
	}

	// INT16
	if marker == 0xC9 {
		if offset+2 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete INT16")
		}
		val := int16(data[offset+1])<<8 | int16(data[offset+2])
		return Int(val), 3, nil
	}

	// INT32
	if marker == 0xCA {
		if offset+4 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete INT32")
		}
		val := int32(data[offset+1])<<24 | int32(data[offset+2])<<16 | int32(data[offset+3])<<8 | int32(data[offset+4])
		return Int(val), 5, nil
	}

	// INT64
	if marker == 0xCB {
		if offset+8 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete INT64")
		}
		val := int64(data[offset+1])<<56 | int64(data[offset+2])<<48 | int64(data[offset+3])<<40 | int64(data[offset+4])<<32 |
			int64(data[offset+5])<<24 | int64(data[offset+6])<<16 | int64(data[offset+7])<<8 | int64(data[offset+8])
		return Int(val), 9, nil
	}

	// Float64
	if marker == 0xC1 {
		if offset+8 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete Float64")
		}
		bits := binary.BigEndian.Uint64(data[offset+1 : offset+9])
		return Float(math.Float64frombits(bits)), 9, nil
	}

	// Bytes
	if marker == 0xCC || marker == 0xCD || marker == 0xCE {
		var size int
		var headerLen int
		switch marker {
		case 0xCC:
			if offset+1 >= len(data) {
				return nil, 0, fmt.Errorf("incomplete BYTES8")
			}
			size = int(data[offset+1])
			headerLen = 2
		case 0xCD:
			if offset+2 >= len(data) {
				return nil, 0, fmt.Errorf("incomplete BYTES16")
			}
			size = int(data[offset+1])<<8 | int(data[offset+2])
			headerLen = 3
		case 0xCE:
			if offset+4 >= len(data) {
				return nil, 0, fmt.Errorf("incomplete BYTES32")
			}
			size = int(data[offset+1])<<24 | int(data[offset+2])<<16 | int(data[offset+3])<<8 | int(data[offset+4])
			headerLen = 5
		}

		start := offset + headerLen
		end := start + size
		if size < 0 || end > len(data) {
			return nil, 0, fmt.Errorf("incomplete BYTES payload")
		}
		out := make(Bytes, size)
		copy(out, data[start:end])
		return out, headerLen + size, nil
	}

	// String
	if marker >= 0x80 && marker <= 0x8F || marker == 0xD0 || marker == 0xD1 || marker == 0xD2 {
		s, n, err := DecodeString(data, offset)
		if err != nil {
			return nil, 0, err
		}
		return String(s), n, nil
	}

	// List
	if marker >= 0x90 && marker <= 0x9F || marker == 0xD4 || marker == 0xD5 || marker == 0xD6 {
		return decodeList(data, offset)
	}

	// Map
	if marker >= 0xA0 && marker <= 0xAF || marker == 0xD8 || marker == 0xD9 || marker == 0xDA {
		return decodeMap(data, offset)
	}

	// Structure
	// Tiny structures: 0xB0-0xBF (0-15 fields)
	// Larger structures: 0xDC (STRUCT8), 0xDD (STRUCT16)
	if marker >= 0xB0 && marker <= 0xBF || marker == 0xDC || marker == 0xDD {
		return decodeStructure(data, offset)
	}

	return nil, 0, fmt.Errorf("unknown marker: 0x%02X", marker)
}

// DecodeString decodes a string value starting at offset.
func DecodeString(data []byte, offset int) (string, int, error) {
	if offset >= len(data) {
		return "", 0, fmt.Errorf("offset out of bounds")
	}

	startOffset := offset
	marker := data[offset]
	offset++

	var length int

	// Tiny string (0x80-0x8F)
	if marker >= 0x80 && marker <= 0x8F {
		length = int(marker - 0x80)
	} else if marker == 0xD0 { // STRING8
		if offset >= len(data) {
			return "", 0, fmt.Errorf("incomplete STRING8")
		}
		length = int(data[offset])
		offset++
	} else if marker == 0xD1 { // STRING16
		if offset+1 >= len(data) {
			return "", 0, fmt.Errorf("incomplete STRING16")
		}
		length = int(data[offset])<<8 | int(data[offset+1])
		offset += 2
	} else if marker == 0xD2 { // STRING32
		if offset+3 >= len(data) {
			return "", 0, fmt.Errorf("incomplete STRING32")
		}
		length = int(data[offset])<<24 | int(data[offset+1])<<16 | int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
	} else {
		return "", 0, fmt.Errorf("not a string marker: 0x%02X", marker)
	}

	if length < 0 || offset+length > len(data) {
		return "", 0, fmt.Errorf("string data out of bounds")
	}

	str := string(data[offset : offset+length])
	return str, (offset + length) - startOffset, nil
}

func decodeList(data []byte, offset int) (List, int, error) {
	if offset >= len(data) {
		return nil, 0, fmt.Errorf("offset out of bounds")
	}

	marker := data[offset]
	startOffset := offset
	offset++

	var size int

	// Tiny list (0x90-0x9F)
	if marker >= 0x90 && marker <= 0x9F {
		size = int(marker - 0x90)
	} else if marker == 0xD4 { // LIST8
		if offset >= len(data) {
			return nil, 0, fmt.Errorf("incomplete LIST8")
		}
		size = int(data[offset])
		offset++
	} else if marker == 0xD5 { // LIST16
		if offset+1 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete LIST16")
		}
		size = int(data[offset])<<8 | int(data[offset+1])
		offset += 2
	} else if marker == 0xD6 { // LIST32
		if offset+3 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete LIST32")
		}
		size = int(data[offset])<<24 | int(data[offset+1])<<16 | int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
	} else {
		return nil, 0, fmt.Errorf("not a list marker: 0x%02X", marker)
	}

	// Every item takes at least one byte; a size past the remaining data is
	// corrupt and must not drive the allocation below.
	if size < 0 || size > len(data)-offset {
		return nil, 0, fmt.Errorf("list size %d exceeds remaining data", size)
	}

	result := make(List, size)

	for i := 0; i < size; i++ {
		value, n, err := DecodeValue(data, offset)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to decode list item %d: %w", i, err)
		}
		result[i] = value
		offset += n
	}

	return result, offset - startOffset, nil
}

func decodeMap(data []byte, offset int) (Map, int, error) {
	if offset >= len(data) {
		return nil, 0, fmt.Errorf("offset out of bounds")
	}

	marker := data[offset]
	startOffset := offset
	offset++

	var size int

	// Tiny map (0xA0-0xAF)
	if marker >= 0xA0 && marker <= 0xAF {
		size = int(marker - 0xA0)
	} else if marker == 0xD8 { // MAP8
		if offset >= len(data) {
			return nil, 0, fmt.Errorf("incomplete MAP8")
		}
		size = int(data[offset])
		offset++
	} else if marker == 0xD9 { // MAP16
		if offset+1 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete MAP16")
		}
		size = int(data[offset])<<8 | int(data[offset+1])
		offset += 2
	} else if marker == 0xDA { // MAP32
		if offset+3 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete MAP32")
		}
		size = int(data[offset])<<24 | int(data[offset+1])<<16 | int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
	} else {
		return nil, 0, fmt.Errorf("not a map marker: 0x%02X", marker)
	}

	// Each entry needs at least two bytes (key marker + value marker).
	if size < 0 || size > (len(data)-offset)/2 {
		return nil, 0, fmt.Errorf("map size %d exceeds remaining data", size)
	}

	result := make(Map, size)

	for i := 0; i < size; i++ {
		key, n, err := DecodeString(data, offset)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to decode map key: %w", err)
		}
		offset += n

		value, n, err := DecodeValue(data, offset)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to decode map value for key %s: %w", key, err)
		}
		offset += n

		result[key] = value
	}

	return result, offset - startOffset, nil
}

func decodeStructure(data []byte, offset int) (Structure, int, error) {
	if offset >= len(data) {
		return Structure{}, 0, fmt.Errorf("offset out of bounds")
	}

	marker := data[offset]
	startOffset := offset
	offset++

	var size int

	// Tiny struct (0xB0-0xBF)
	if marker >= 0xB0 && marker <= 0xBF {
		size = int(marker - 0xB0)
	} else if marker == 0xDC { // STRUCT8
		if offset >= len(data) {
			return Structure{}, 0, fmt.Errorf("incomplete STRUCT8")
		}
		size = int(data[offset])
		offset++
	} else if marker == 0xDD { // STRUCT16
		if offset+1 >= len(data) {
			return Structure{}, 0, fmt.Errorf("incomplete STRUCT16")
		}
		size = int(data[offset])<<8 | int(data[offset+1])
		offset += 2
	} else {
		return Structure{}, 0, fmt.Errorf("not a structure marker: 0x%02X", marker)
	}

	if offset >= len(data) {
		return Structure{}, 0, fmt.Errorf("incomplete structure: missing signature")
	}
	tag := data[offset]
	offset++

	if size > len(data)-offset {
		return Structure{}, 0, fmt.Errorf("structure size %d exceeds remaining data", size)
	}

	fields := make([]Value, size)
	for i := 0; i < size; i++ {
		value, n, err := DecodeValue(data, offset)
		if err != nil {
			return Structure{}, 0, fmt.Errorf("failed to decode structure field %d: %w", i, err)
		}
		fields[i] = value
		offset += n
	}

	return Structure{Tag: tag, Fields: fields}, offset - startOffset, nil
}
