// Package cache implements the paged key/value cache: a fixed arena of
// reference-counted blocks per memory tier, per-sequence block tables
// mapping logical token positions to physical blocks, and the mutation
// kernels (scatter, bulk copy, cross-tier swap) that operate on them.
package cache

import (
	"fmt"

	"github.com/knifeayumu/aphrodite-engine/internal/tensor"
)

// Tier identifies the memory pool a block lives in.
type Tier int

// Supported memory tiers.
const (
	TierGPU Tier = iota // Fast, accelerator-resident.
	TierCPU             // Slow, host-resident swap target.
)

// String returns a human-readable tier name.
func (t Tier) String() string {
	switch t {
	case TierGPU:
		return "gpu"
	case TierCPU:
		return "cpu"
	default:
		return "unknown"
	}
}

// Geometry fixes the per-block storage layout shared by every pool and
// kernel: each block holds BlockSize token slots, each slot holds one
// key vector and one value vector of NumKVHeads*HeadDim elements, and
// the whole layout is replicated per transformer layer.
type Geometry struct {
	NumLayers  int // Transformer layers sharing the pool.
	NumKVHeads int // Key/value heads per layer.
	HeadDim    int // Elements per head vector.
	BlockSize  int // Token slots per block.
}

// Validate reports a configuration error for non-positive dimensions.
func (g Geometry) Validate() error {
	dims := tensor.Shape{g.NumLayers, g.BlockSize, g.NumKVHeads, g.HeadDim}
	if err := dims.Validate(); err != nil {
		return fmt.Errorf("%w: geometry %+v: %v", ErrConfiguration, g, err)
	}
	return nil
}

// SlotShape returns the shape of one token slot's key (or value)
// payload.
func (g Geometry) SlotShape() tensor.Shape {
	return tensor.Shape{g.NumKVHeads, g.HeadDim}
}

// BlockShape returns the shape of one block's key (or value) storage.
func (g Geometry) BlockShape() tensor.Shape {
	return tensor.Shape{g.BlockSize, g.NumKVHeads, g.HeadDim}
}

// TokenWidth returns the number of elements in one token slot's key (or
// value) vector: NumKVHeads * HeadDim.
func (g Geometry) TokenWidth() int {
	return g.SlotShape().NumElements()
}

// BlockElems returns the number of elements in one block's key (or
// value) storage.
func (g Geometry) BlockElems() int {
	return g.BlockShape().NumElements()
}

// NumBlocksForTokens returns ceil(numTokens / BlockSize), the block
// table length required to hold numTokens logical positions.
func (g Geometry) NumBlocksForTokens(numTokens int) int {
	return (numTokens + g.BlockSize - 1) / g.BlockSize
}
