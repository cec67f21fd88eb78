package cache

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/knifeayumu/aphrodite-engine/internal/parallel"
	"github.com/knifeayumu/aphrodite-engine/internal/tensor"
)

// fillToken writes a recognizable key/value pattern for one token.
func fillToken(p *Pool, layer int, slot int32, seed float32) {
	w := p.geo.TokenWidth()
	key := make([]float32, w)
	val := make([]float32, w)
	for i := range key {
		key[i] = seed + float32(i)
		val[i] = -seed - float32(i)
	}
	p.writeToken(layer, slot, key, val)
}

func TestReshapeAndCacheScatter(t *testing.T) {
	p := newTestPool(t, 4)
	geo := p.Geometry()
	w := geo.TokenWidth()

	// Three tokens scattered into non-contiguous slots across two blocks.
	slots := []int32{3, 17, 20}
	keys := make([]float32, len(slots)*w)
	values := make([]float32, len(slots)*w)
	for i := range keys {
		keys[i] = float32(i) + 0.5
		values[i] = -float32(i)
	}

	if err := ReshapeAndCache(p, 1, keys, values, slots, parallel.Sequential()); err != nil {
		t.Fatalf("ReshapeAndCache: %v", err)
	}

	// Read back through the per-head vector path.
	buf := make([]float32, geo.HeadDim)
	for i, slot := range slots {
		for h := 0; h < geo.NumKVHeads; h++ {
			p.ReadKeyVec(1, slot, h, buf)
			for d := 0; d < geo.HeadDim; d++ {
				want := keys[i*w+h*geo.HeadDim+d]
				if buf[d] != want {
					t.Errorf("slot %d head %d key[%d] = %v, want %v", slot, h, d, buf[d], want)
				}
			}
			p.ReadValueVec(1, slot, h, buf)
			for d := 0; d < geo.HeadDim; d++ {
				want := values[i*w+h*geo.HeadDim+d]
				if buf[d] != want {
					t.Errorf("slot %d head %d value[%d] = %v, want %v", slot, h, d, buf[d], want)
				}
			}
		}
	}
}

func TestReshapeAndCacheValidation(t *testing.T) {
	p := newTestPool(t, 2)
	w := p.Geometry().TokenWidth()

	err := ReshapeAndCache(p, 5, make([]float32, w), make([]float32, w), []int32{0}, parallel.Sequential())
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad layer: got %v, want ErrInvalidArgument", err)
	}

	err = ReshapeAndCache(p, 0, make([]float32, w-1), make([]float32, w), []int32{0}, parallel.Sequential())
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("short keys: got %v, want ErrInvalidArgument", err)
	}

	// Slot past the arena; nothing may be written.
	before := append([]byte(nil), p.keys[0]...)
	err = ReshapeAndCache(p, 0, make([]float32, 2*w), make([]float32, 2*w), []int32{0, 99}, parallel.Sequential())
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad slot: got %v, want ErrInvalidArgument", err)
	}
	if !bytes.Equal(before, p.keys[0]) {
		t.Error("failed call mutated the pool")
	}
}

func TestCopyBlocksBitIdentity(t *testing.T) {
	p := newTestPool(t, 4)
	geo := p.Geometry()

	for s := 0; s < geo.BlockSize; s++ {
		fillToken(p, 0, int32(s), float32(s))
		fillToken(p, 1, int32(s), float32(s)*2)
	}

	if err := CopyBlocks(p, []CopyPair{{Src: 0, Dst: 2}}, parallel.Sequential()); err != nil {
		t.Fatalf("CopyBlocks: %v", err)
	}

	// Every layer, both tensors, byte for byte.
	for l := 0; l < geo.NumLayers; l++ {
		if !bytes.Equal(p.KeyBlockBytes(l, 0), p.KeyBlockBytes(l, 2)) {
			t.Errorf("layer %d keys differ after copy", l)
		}
		if !bytes.Equal(p.ValueBlockBytes(l, 0), p.ValueBlockBytes(l, 2)) {
			t.Errorf("layer %d values differ after copy", l)
		}
	}

	if err := CopyBlocks(p, []CopyPair{{Src: 0, Dst: 9}}, parallel.Sequential()); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad pair: got %v, want ErrInvalidArgument", err)
	}
}

func TestSwapBlocksRoundTrip(t *testing.T) {
	codec := NewCodec(tensor.Float32, 0)
	gpu, err := NewPool(testGeometry(), TierGPU, 4, codec, codec)
	if err != nil {
		t.Fatal(err)
	}
	cpu, err := NewPool(testGeometry(), TierCPU, 4, codec, codec)
	if err != nil {
		t.Fatal(err)
	}

	for s := 0; s < testGeometry().BlockSize; s++ {
		fillToken(gpu, 0, int32(s), float32(s)+1)
	}
	want := append([]byte(nil), gpu.KeyBlockBytes(0, 0)...)

	stream := NewStream()
	defer stream.Close()

	if err := SwapBlocks(gpu, cpu, []CopyPair{{Src: 0, Dst: 3}}, stream); err != nil {
		t.Fatalf("swap out: %v", err)
	}
	stream.Synchronize()
	if !bytes.Equal(want, cpu.KeyBlockBytes(0, 3)) {
		t.Fatal("CPU copy differs from GPU source")
	}

	// Scribble over the GPU block, then swap back in.
	for s := 0; s < testGeometry().BlockSize; s++ {
		fillToken(gpu, 0, int32(s), float32(math.Pi))
	}
	if err := SwapBlocks(cpu, gpu, []CopyPair{{Src: 3, Dst: 0}}, stream); err != nil {
		t.Fatalf("swap in: %v", err)
	}
	stream.Synchronize()
	if !bytes.Equal(want, gpu.KeyBlockBytes(0, 0)) {
		t.Fatal("GPU contents not restored after round trip")
	}
}

func TestSwapBlocksValidation(t *testing.T) {
	f32 := NewCodec(tensor.Float32, 0)
	i8 := NewCodec(tensor.Int8, 0.1)
	gpu, _ := NewPool(testGeometry(), TierGPU, 2, f32, f32)
	gpu2, _ := NewPool(testGeometry(), TierGPU, 2, f32, f32)
	cpuQuant, _ := NewPool(testGeometry(), TierCPU, 2, i8, i8)
	cpu, _ := NewPool(testGeometry(), TierCPU, 2, f32, f32)

	if err := SwapBlocks(gpu, gpu2, nil, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("same tier: got %v, want ErrInvalidArgument", err)
	}
	if err := SwapBlocks(gpu, cpuQuant, nil, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("incompatible dtype: got %v, want ErrInvalidArgument", err)
	}
	if err := SwapBlocks(gpu, cpu, []CopyPair{{Src: 0, Dst: 5}}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad dst: got %v, want ErrInvalidArgument", err)
	}
}

// TestCopyOnWriteScenario walks the canonical divergence sequence on a
// four-block pool: allocate, fork, materialize a private copy for the
// writer, and verify the reader's view never changes.
func TestCopyOnWriteScenario(t *testing.T) {
	p := newTestPool(t, 4)
	geo := p.Geometry()

	// Parent fills one block.
	parent := NewBlockTable(p)
	b, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	parent.AppendBlock(b)
	for s := 0; s < geo.BlockSize; s++ {
		fillToken(p, 0, parent.SlotForToken(s), float32(s))
	}

	child := parent.Fork()
	if !p.IsShared(child.Block(0)) {
		t.Fatal("forked block not shared")
	}
	parentBytes := append([]byte(nil), p.KeyBlockBytes(0, parent.Block(0))...)

	// Child wants to write: materialize first.
	fresh, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if err := CopyBlocks(p, []CopyPair{{Src: child.Block(0), Dst: fresh}}, parallel.Sequential()); err != nil {
		t.Fatal(err)
	}
	child.ReplaceBlock(0, fresh)

	// Divergent write through the child's table.
	fillToken(p, 0, child.SlotForToken(3), 99)

	if !bytes.Equal(parentBytes, p.KeyBlockBytes(0, parent.Block(0))) {
		t.Error("parent contents changed by child write")
	}
	if bytes.Equal(p.KeyBlockBytes(0, parent.Block(0)), p.KeyBlockBytes(0, child.Block(0))) {
		t.Error("child block still identical after divergent write")
	}
	if p.IsShared(parent.Block(0)) || p.IsShared(child.Block(0)) {
		t.Error("blocks still shared after materialization")
	}

	parent.Free()
	child.Free()
	if p.NumFree() != 4 {
		t.Errorf("block leak: %d/4 free", p.NumFree())
	}
}
