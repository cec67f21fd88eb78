package cache

import (
	"fmt"

	"github.com/knifeayumu/aphrodite-engine/internal/parallel"
)

// CopyPair names one block-to-block copy or swap: the full contents of
// Src (all layers, keys and values) move to Dst.
type CopyPair struct {
	Src int32
	Dst int32
}

// ReshapeAndCache scatters newly computed per-token key/value vectors
// for one layer into their assigned physical slots. keys and values are
// flat [numTokens, NumKVHeads, HeadDim] buffers; slotMapping[i] is the
// absolute physical slot for token i. Pure overwrite: the caller must
// exclusively own every destination slot's block (materializing shared
// blocks first), so there is no read-modify-write hazard.
//
// When the pool stores a quantized element type, values pass through the
// pool's codec on the way in; dequantization is the attention kernel's
// job on read.
//
// All shape and index validation happens before the first write; a
// failing call leaves the pool untouched.
func ReshapeAndCache(p *Pool, layer int, keys, values []float32, slotMapping []int32, cfg parallel.Config) error {
	if layer < 0 || layer >= p.geo.NumLayers {
		return fmt.Errorf("%w: layer %d out of range [0, %d)", ErrInvalidArgument, layer, p.geo.NumLayers)
	}
	numTokens := len(slotMapping)
	w := p.geo.TokenWidth()
	if len(keys) != numTokens*w || len(values) != numTokens*w {
		return fmt.Errorf("%w: got %d key / %d value elements for %d tokens (want %d each)",
			ErrInvalidArgument, len(keys), len(values), numTokens, numTokens*w)
	}
	for i, slot := range slotMapping {
		if !p.validSlot(slot) {
			return fmt.Errorf("%w: slot_mapping[%d] = %d out of range [0, %d)",
				ErrInvalidArgument, i, slot, p.numBlocks*p.geo.BlockSize)
		}
	}

	parallel.For(numTokens, func(i int) {
		p.writeToken(layer, slotMapping[i], keys[i*w:(i+1)*w], values[i*w:(i+1)*w])
	}, cfg)
	return nil
}

// CopyBlocks bulk-copies the full contents of each pair's source block
// into its destination block, all layers and both tensor types in one
// scheduled operation. Pairs are independent and run in parallel; copies
// are raw byte moves, so destination contents are bit-identical to the
// source regardless of element type.
//
// Used to materialize a private copy before writing to a shared block.
func CopyBlocks(p *Pool, pairs []CopyPair, cfg parallel.Config) error {
	for i, pair := range pairs {
		if !p.validBlock(pair.Src) || !p.validBlock(pair.Dst) {
			return fmt.Errorf("%w: copy pair %d (%d -> %d) out of range [0, %d)",
				ErrInvalidArgument, i, pair.Src, pair.Dst, p.numBlocks)
		}
	}

	parallel.For(len(pairs), func(i int) {
		srcLo, srcHi := p.blockBytes(pairs[i].Src)
		dstLo, _ := p.blockBytes(pairs[i].Dst)
		for l := 0; l < p.geo.NumLayers; l++ {
			copy(p.keys[l][dstLo:], p.keys[l][srcLo:srcHi])
			copy(p.values[l][dstLo:], p.values[l][srcLo:srcHi])
		}
	}, cfg)
	return nil
}

// SwapBlocks moves block contents between two tiers' pools. The
// destination blocks must already be allocated in dst; this kernel does
// not allocate. When stream is non-nil the transfer runs asynchronously
// on it, ordered after any prior work on the same stream; callers that
// need completion call stream.Synchronize. Validation is always
// synchronous and a failing call enqueues nothing.
func SwapBlocks(src, dst *Pool, pairs []CopyPair, stream *Stream) error {
	if src.tier == dst.tier {
		return fmt.Errorf("%w: swap requires distinct tiers, both are %s", ErrInvalidArgument, src.tier)
	}
	if !src.DTypeCompatible(dst) {
		return fmt.Errorf("%w: swap between incompatible pools", ErrInvalidArgument)
	}
	for i, pair := range pairs {
		if !src.validBlock(pair.Src) {
			return fmt.Errorf("%w: swap pair %d src %d out of range [0, %d)",
				ErrInvalidArgument, i, pair.Src, src.numBlocks)
		}
		if !dst.validBlock(pair.Dst) {
			return fmt.Errorf("%w: swap pair %d dst %d out of range [0, %d)",
				ErrInvalidArgument, i, pair.Dst, dst.numBlocks)
		}
	}

	transfer := func() {
		for _, pair := range pairs {
			srcLo, srcHi := src.blockBytes(pair.Src)
			dstLo, _ := dst.blockBytes(pair.Dst)
			for l := 0; l < src.geo.NumLayers; l++ {
				copy(dst.keys[l][dstLo:], src.keys[l][srcLo:srcHi])
				copy(dst.values[l][dstLo:], src.values[l][srcLo:srcHi])
			}
		}
	}
	if stream != nil {
		stream.Submit(transfer)
	} else {
		transfer()
	}
	return nil
}
