package tensor

import "github.com/x448/float16"

// DType identifies the storage element type of a cache or metadata buffer.
//
// The cache stores key/value payloads as opaque bytes with a declared
// element width; Float16 and Int8 entries are decoded back to float32 on
// the kernel read path.
type DType int

// Supported element types.
const (
	Float32 DType = iota
	Float16
	Int8
	Int32
)

// Size returns the byte width of one element.
func (dt DType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Int8:
		return 1
	default:
		panic("unknown element type")
	}
}

// String returns a human-readable name for the element type.
func (dt DType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int8:
		return "int8"
	case Int32:
		return "int32"
	default:
		return "unknown"
	}
}

// F16Encode converts a float32 to its IEEE 754 half-precision bit pattern.
func F16Encode(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// F16Decode converts a half-precision bit pattern back to float32.
func F16Decode(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}
