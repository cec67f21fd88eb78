package cache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knifeayumu/aphrodite-engine/internal/tensor"
)

func testGeometry() Geometry {
	return Geometry{NumLayers: 2, NumKVHeads: 2, HeadDim: 4, BlockSize: 16}
}

func newTestPool(t *testing.T, numBlocks int) *Pool {
	t.Helper()
	codec := NewCodec(tensor.Float32, 0)
	p, err := NewPool(testGeometry(), TierGPU, numBlocks, codec, codec)
	require.NoError(t, err)
	return p
}

func TestPoolAllocateOrder(t *testing.T) {
	p := newTestPool(t, 4)
	assert.Equal(t, 4, p.NumFree())

	// Blocks come off the free list in ascending physical order.
	for want := int32(0); want < 4; want++ {
		b, err := p.Allocate()
		require.NoError(t, err)
		assert.Equal(t, want, b)
		assert.Equal(t, 1, p.RefCount(b))
	}
	assert.Equal(t, 0, p.NumFree())
}

func TestPoolAllocateOutOfMemory(t *testing.T) {
	p := newTestPool(t, 2)
	_, err := p.Allocate()
	require.NoError(t, err)
	_, err = p.Allocate()
	require.NoError(t, err)

	_, err = p.Allocate()
	require.ErrorIs(t, err, ErrOutOfMemory)
	// The failed call left the pool unchanged.
	assert.Equal(t, 0, p.NumFree())
}

func TestPoolRefCounting(t *testing.T) {
	p := newTestPool(t, 2)
	b, err := p.Allocate()
	require.NoError(t, err)
	assert.False(t, p.IsShared(b))

	p.IncRef(b)
	assert.True(t, p.IsShared(b))
	assert.Equal(t, 2, p.RefCount(b))

	p.DecRef(b)
	assert.False(t, p.IsShared(b))
	assert.Equal(t, 1, p.NumFree())

	// Last reference returns the block to the free list.
	p.DecRef(b)
	assert.Equal(t, 0, p.RefCount(b))
	assert.Equal(t, 2, p.NumFree())

	// And it can be allocated again.
	got, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestPoolRefCountPanics(t *testing.T) {
	p := newTestPool(t, 2)
	b, err := p.Allocate()
	require.NoError(t, err)
	p.DecRef(b)

	assert.Panics(t, func() { p.IncRef(b) })
	assert.Panics(t, func() { p.DecRef(b) })
}

func TestPoolConfigErrors(t *testing.T) {
	codec := NewCodec(tensor.Float32, 0)

	_, err := NewPool(testGeometry(), TierGPU, 0, codec, codec)
	require.ErrorIs(t, err, ErrConfiguration)

	bad := testGeometry()
	bad.BlockSize = 0
	_, err = NewPool(bad, TierGPU, 4, codec, codec)
	require.ErrorIs(t, err, ErrConfiguration)

	// Mismatched element widths between key and value codecs.
	_, err = NewPool(testGeometry(), TierGPU, 4, codec, NewCodec(tensor.Int8, 0.1))
	require.ErrorIs(t, err, ErrConfiguration)
	require.True(t, errors.Is(err, ErrConfiguration))
}

func TestPoolDTypeCompatible(t *testing.T) {
	f32 := NewCodec(tensor.Float32, 0)
	i8 := NewCodec(tensor.Int8, 0.1)

	gpu, err := NewPool(testGeometry(), TierGPU, 4, f32, f32)
	require.NoError(t, err)
	cpu, err := NewPool(testGeometry(), TierCPU, 4, f32, f32)
	require.NoError(t, err)
	quant, err := NewPool(testGeometry(), TierCPU, 4, i8, i8)
	require.NoError(t, err)

	assert.True(t, gpu.DTypeCompatible(cpu))
	assert.False(t, gpu.DTypeCompatible(quant))
}

func TestGeometryNumBlocksForTokens(t *testing.T) {
	geo := testGeometry()
	cases := []struct{ tokens, blocks int }{
		{0, 0},
		{1, 1},
		{16, 1},
		{17, 2},
		{32, 2},
		{33, 3},
	}
	for _, c := range cases {
		assert.Equal(t, c.blocks, geo.NumBlocksForTokens(c.tokens), "tokens=%d", c.tokens)
	}
}
