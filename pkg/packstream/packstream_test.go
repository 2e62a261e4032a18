package packstream

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"strings"
	"testing"
)

func TestEncodeDecodeInt_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   int64
		size int
	}{
		{name: "zero", in: 0, size: 1},
		{name: "tiny positive max", in: 127, size: 1},
		{name: "tiny negative min", in: -16, size: 1},
		{name: "int8 low", in: -17, size: 2},
		{name: "int8 min", in: -128, size: 2},
		{name: "int16 low", in: -129, size: 3},
		{name: "int16 high", in: 128, size: 3},
		{name: "int16 max", in: 32767, size: 3},
		{name: "int16 min", in: -32768, size: 3},
		{name: "int32 high", in: 32768, size: 5},
		{name: "int32 max", in: 2147483647, size: 5},
		{name: "int32 min", in: -2147483648, size: 5},
		{name: "int64 high", in: 2147483648, size: 9},
		{name: "int64 max", in: math.MaxInt64, size: 9},
		{name: "int64 min", in: math.MinInt64, size: 9},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			encoded := AppendInt(nil, tt.in)
			if len(encoded) != tt.size {
				t.Fatalf("encoded size = %d, want %d", len(encoded), tt.size)
			}
			got, n, err := DecodeValue(encoded, 0)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if n != len(encoded) {
				t.Fatalf("consumed %d bytes, want %d", n, len(encoded))
			}
			if got != Int(tt.in) {
				t.Fatalf("got %v, want %d", got, tt.in)
			}
		})
	}
}

func TestEncodeDecodeString_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		marker byte
	}{
		{name: "empty", in: "", marker: 0x80},
		{name: "tiny", in: "hello", marker: 0x85},
		{name: "tiny max", in: strings.Repeat("a", 15), marker: 0x8F},
		{name: "string8", in: strings.Repeat("b", 16), marker: 0xD0},
		{name: "string8 max", in: strings.Repeat("c", 255), marker: 0xD0},
		{name: "string16", in: strings.Repeat("d", 256), marker: 0xD1},
		{name: "string16 max", in: strings.Repeat("e", 65535), marker: 0xD1},
		{name: "string32", in: strings.Repeat("f", 65536), marker: 0xD2},
		{name: "multibyte utf8", in: "sigrún café", marker: byte(0x80 + len("sigrún café"))},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			encoded := AppendString(nil, tt.in)
			if encoded[0] != tt.marker {
				t.Fatalf("marker = 0x%02X, want 0x%02X", encoded[0], tt.marker)
			}
			got, n, err := DecodeValue(encoded, 0)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if n != len(encoded) {
				t.Fatalf("consumed %d bytes, want %d", n, len(encoded))
			}
			if got != String(tt.in) {
				t.Fatalf("string mismatch: got %d bytes, want %d bytes", len(got.(String)), len(tt.in))
			}
		})
	}
}

func TestEncodeDecodeBytes_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{name: "empty", in: []byte{}},
		{name: "small", in: []byte{0x01, 0x02, 0x03}},
		{name: "len255", in: bytes.Repeat([]byte{0xAB}, 255)},
		{name: "len256", in: bytes.Repeat([]byte{0xCD}, 256)},
		{name: "len65535", in: bytes.Repeat([]byte{0xEF}, 65535)},
		{name: "len65536", in: bytes.Repeat([]byte{0x01}, 65536)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			encoded := AppendValue(nil, Bytes(tt.in))
			got, _, err := DecodeValue(encoded, 0)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			gotBytes, ok := got.(Bytes)
			if !ok {
				t.Fatalf("expected Bytes, got %T", got)
			}
			if !bytes.Equal(gotBytes, tt.in) {
				t.Fatalf("bytes mismatch: got=%dB want=%dB", len(gotBytes), len(tt.in))
			}
		})
	}
}

func TestEncodeDecodeValue_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   Value
	}{
		{name: "null", in: Null{}},
		{name: "true", in: Bool(true)},
		{name: "false", in: Bool(false)},
		{name: "float", in: Float(3.14159)},
		{name: "float negative zero", in: Float(math.Copysign(0, -1))},
		{name: "empty list", in: List{}},
		{name: "scalar list", in: List{Int(1), Int(2), Int(3)}},
		{name: "mixed list", in: List{Int(1), String("two"), Bool(true), Null{}}},
		{name: "nested list", in: List{List{Int(1)}, List{String("a"), String("b")}}},
		{name: "empty map", in: Map{}},
		{name: "map", in: Map{"name": String("Alice"), "age": Int(30)}},
		{name: "nested map", in: Map{"outer": Map{"inner": List{Int(1), Null{}}}}},
		{name: "empty structure", in: Structure{Tag: 0x01, Fields: []Value{}}},
		{
			name: "node shaped structure",
			in: Structure{Tag: 0x4E, Fields: []Value{
				Int(12345),
				List{String("Person"), String("Employee")},
				Map{"name": String("Alice"), "age": Int(30)},
			}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			encoded := AppendValue(nil, tt.in)
			got, n, err := DecodeValue(encoded, 0)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if n != len(encoded) {
				t.Fatalf("consumed %d bytes, want %d", n, len(encoded))
			}
			if !reflect.DeepEqual(got, tt.in) {
				t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", got, tt.in)
			}
		})
	}
}

func TestEncodeDecodeList_LargeSizes(t *testing.T) {
	sizes := []int{15, 16, 255, 256, 65535, 65536}
	for _, size := range sizes {
		in := make(List, size)
		for i := range in {
			in[i] = Int(i % 100)
		}
		encoded := AppendValue(nil, in)
		got, n, err := DecodeValue(encoded, 0)
		if err != nil {
			t.Fatalf("size %d: decode failed: %v", size, err)
		}
		if n != len(encoded) {
			t.Fatalf("size %d: consumed %d bytes, want %d", size, n, len(encoded))
		}
		if !reflect.DeepEqual(got, in) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}
}

func TestEncodeDecodeMap_LargeSizes(t *testing.T) {
	sizes := []int{15, 16, 255, 256}
	for _, size := range sizes {
		in := make(Map, size)
		for i := 0; i < size; i++ {
			in[fmt.Sprintf("key-%d", i)] = Int(i)
		}
		encoded := AppendValue(nil, in)
		got, _, err := DecodeValue(encoded, 0)
		if err != nil {
			t.Fatalf("size %d: decode failed: %v", size, err)
		}
		if !reflect.DeepEqual(got, in) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}
}

func TestEncodeStructure_TinyMarker(t *testing.T) {
	encoded := AppendStructure(nil, 0x4E, Int(1), List{}, Map{})
	if encoded[0] != 0xB3 {
		t.Fatalf("marker = 0x%02X, want 0xB3", encoded[0])
	}
	if encoded[1] != 0x4E {
		t.Fatalf("signature = 0x%02X, want 0x4E", encoded[1])
	}
}

func TestDecodeValue_Offset(t *testing.T) {
	var buf []byte
	buf = AppendString(buf, "first")
	buf = AppendInt(buf, 4242)
	buf = AppendValue(buf, Bool(true))

	v1, n1, err := DecodeValue(buf, 0)
	if err != nil {
		t.Fatalf("first decode failed: %v", err)
	}
	if v1 != String("first") {
		t.Fatalf("first value = %v", v1)
	}

	v2, n2, err := DecodeValue(buf, n1)
	if err != nil {
		t.Fatalf("second decode failed: %v", err)
	}
	if v2 != Int(4242) {
		t.Fatalf("second value = %v", v2)
	}

	v3, _, err := DecodeValue(buf, n1+n2)
	if err != nil {
		t.Fatalf("third decode failed: %v", err)
	}
	if v3 != Bool(true) {
		t.Fatalf("third value = %v", v3)
	}
}

func TestDecodeValue_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty input", data: []byte{}},
		{name: "unknown marker", data: []byte{0xC4}},
		{name: "reserved marker", data: []byte{0xDF}},
		{name: "truncated int16", data: []byte{0xC9, 0x01}},
		{name: "truncated int32", data: []byte{0xCA, 0x01, 0x02}},
		{name: "truncated int64", data: []byte{0xCB, 0x01, 0x02, 0x03}},
		{name: "truncated float", data: []byte{0xC1, 0x01, 0x02}},
		{name: "truncated string header", data: []byte{0xD0}},
		{name: "truncated string payload", data: []byte{0x85, 'h', 'i'}},
		{name: "truncated bytes payload", data: []byte{0xCC, 0x05, 0x01}},
		{name: "truncated list item", data: []byte{0x92, 0x01}},
		{name: "truncated map entry", data: []byte{0xA1, 0x81, 'k'}},
		{name: "map key not string", data: []byte{0xA1, 0x01, 0x01}},
		{name: "structure missing signature", data: []byte{0xB1}},
		{name: "truncated structure field", data: []byte{0xB2, 0x4E, 0x01}},
		{name: "oversized list header", data: []byte{0xD5, 0xFF, 0xFF, 0x01}},
		{name: "oversized map header", data: []byte{0xD9, 0xFF, 0xFF, 0x01}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeValue(tt.data, 0)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestDecode_TrailingData(t *testing.T) {
	buf := AppendInt(nil, 1)
	buf = append(buf, 0x01)
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestMapAccessors(t *testing.T) {
	m := Map{
		"name":   String("heimdall"),
		"count":  Int(9),
		"active": Bool(true),
		"tags":   List{String("a")},
		"nested": Map{"k": Int(1)},
	}

	if s, ok := m.GetString("name"); !ok || s != "heimdall" {
		t.Fatalf("GetString = %q, %v", s, ok)
	}
	if n, ok := m.GetInt("count"); !ok || n != 9 {
		t.Fatalf("GetInt = %d, %v", n, ok)
	}
	if b, ok := m.GetBool("active"); !ok || !b {
		t.Fatalf("GetBool = %v, %v", b, ok)
	}
	if l, ok := m.GetList("tags"); !ok || len(l) != 1 {
		t.Fatalf("GetList = %v, %v", l, ok)
	}
	if mm, ok := m.GetMap("nested"); !ok || len(mm) != 1 {
		t.Fatalf("GetMap = %v, %v", mm, ok)
	}

	// Wrong kind and missing key both report absence.
	if _, ok := m.GetString("count"); ok {
		t.Fatal("GetString on Int should report absence")
	}
	if _, ok := m.GetInt("missing"); ok {
		t.Fatal("GetInt on missing key should report absence")
	}
}
