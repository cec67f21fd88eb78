package cache

import (
	"encoding/binary"
	"math"

	"github.com/knifeayumu/aphrodite-engine/internal/tensor"
)

// Codec converts between the kernel-facing float32 representation and
// the pool's stored byte payload. The pool treats payloads as opaque
// bytes of ElemSize() width; quantization happens on the write path
// (ReshapeAndCache) and dequantization on the read path (the attention
// kernel).
type Codec interface {
	DType() tensor.DType
	ElemSize() int
	Encode(dst []byte, src []float32)
	Decode(dst []float32, src []byte)
}

// NewCodec returns the codec for a cache element type. Int8 caches use
// one static scale for the whole tensor; callers configure separate
// codecs for keys and values when the scales differ.
func NewCodec(dt tensor.DType, scale float32) Codec {
	switch dt {
	case tensor.Float32:
		return f32Codec{}
	case tensor.Float16:
		return f16Codec{}
	case tensor.Int8:
		if scale <= 0 {
			panic("cache: int8 codec requires a positive scale")
		}
		return int8Codec{scale: scale}
	default:
		panic("cache: unsupported cache element type " + dt.String())
	}
}

type f32Codec struct{}

func (f32Codec) DType() tensor.DType { return tensor.Float32 }
func (f32Codec) ElemSize() int       { return 4 }

func (f32Codec) Encode(dst []byte, src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

func (f32Codec) Decode(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
}

type f16Codec struct{}

func (f16Codec) DType() tensor.DType { return tensor.Float16 }
func (f16Codec) ElemSize() int       { return 2 }

func (f16Codec) Encode(dst []byte, src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint16(dst[i*2:], tensor.F16Encode(v))
	}
}

func (f16Codec) Decode(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = tensor.F16Decode(binary.LittleEndian.Uint16(src[i*2:]))
	}
}

// int8Codec stores symmetric-quantized values: stored = round(v/scale)
// clamped to [-127, 127].
type int8Codec struct {
	scale float32
}

func (int8Codec) DType() tensor.DType { return tensor.Int8 }
func (int8Codec) ElemSize() int       { return 1 }

func (c int8Codec) Encode(dst []byte, src []float32) {
	for i, v := range src {
		q := math.Round(float64(v / c.scale))
		if q > 127 {
			q = 127
		} else if q < -127 {
			q = -127
		}
		dst[i] = byte(int8(q))
	}
}

func (c int8Codec) Decode(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = float32(int8(src[i])) * c.scale
	}
}
