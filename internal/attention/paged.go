package attention

import (
	"fmt"
	"math"

	"github.com/knifeayumu/aphrodite-engine/internal/cache"
	"github.com/knifeayumu/aphrodite-engine/internal/parallel"
)

// PadBlock is the sentinel padding value in block-table tensors for
// rows shorter than the widest row this step. It is an invalid physical
// index on purpose: a kernel bug that reads past a row's real length
// trips index validation instead of silently reading block 0.
const PadBlock int32 = -1

// BlockSparseMask restricts which KV blocks a query row attends to.
// A skipped block contributes nothing to the running max/sum, exactly
// as if its tokens were absent from the context.
type BlockSparseMask interface {
	// AllowBlock reports whether logical block blockIdx of row's context
	// participates in attention for the given query head.
	AllowBlock(row, head, blockIdx int) bool
}

// DenyBlocks is a BlockSparseMask that excludes a fixed set of logical
// block indices for every row and head.
type DenyBlocks map[int]bool

// AllowBlock implements BlockSparseMask.
func (d DenyBlocks) AllowBlock(_, _, blockIdx int) bool {
	return !d[blockIdx]
}

// Input carries one layer's paged attention launch: queries plus the
// per-step metadata tensors naming each row's context in the pool.
// Rows are query tokens; in the decode phase each active sequence
// contributes one row, in the prefill phase one row per prompt token
// (each with its own context length).
type Input struct {
	Pool  *cache.Pool
	Layer int

	// Query is a flat [NumRows, NumHeads, HeadDim] buffer. NumHeads is
	// the query head count; it must be a multiple of the pool's KV head
	// count, and query heads map onto KV heads in groups (GQA).
	Query    []float32
	NumRows  int
	NumHeads int

	// BlockTables is the flat [NumRows, MaxBlocksPerRow] int32 tensor,
	// rows shorter than MaxBlocksPerRow padded with PadBlock.
	BlockTables     []int32
	MaxBlocksPerRow int

	// SeqLens[r] is row r's context length: the kernel reads KV
	// positions [0, SeqLens[r]).
	SeqLens []int32

	// Scale is the score multiplier; zero means 1/sqrt(HeadDim).
	Scale float32

	// AlibiSlopes, when non-nil, holds one slope per query head; the
	// bias slope*(pos - seqLen + 1) is added to each raw score before
	// the softmax max-tracking.
	AlibiSlopes []float32

	// Mask, when non-nil, skips whole KV blocks.
	Mask BlockSparseMask
}

// validate checks the launch inputs, distinguishing caller bugs
// (ErrInvalidArgument) from capacity misconfiguration
// (ErrConfiguration). It runs before any kernel work.
func (in *Input) validate() error {
	geo := in.Pool.Geometry()
	if in.Layer < 0 || in.Layer >= geo.NumLayers {
		return fmt.Errorf("%w: layer %d out of range [0, %d)", cache.ErrInvalidArgument, in.Layer, geo.NumLayers)
	}
	if in.NumHeads <= 0 || in.NumHeads%geo.NumKVHeads != 0 {
		return fmt.Errorf("%w: %d query heads not a multiple of %d kv heads",
			cache.ErrInvalidArgument, in.NumHeads, geo.NumKVHeads)
	}
	if len(in.Query) != in.NumRows*in.NumHeads*geo.HeadDim {
		return fmt.Errorf("%w: query has %d elements, want %d",
			cache.ErrInvalidArgument, len(in.Query), in.NumRows*in.NumHeads*geo.HeadDim)
	}
	if len(in.SeqLens) != in.NumRows {
		return fmt.Errorf("%w: %d seq lens for %d rows", cache.ErrInvalidArgument, len(in.SeqLens), in.NumRows)
	}
	if len(in.BlockTables) != in.NumRows*in.MaxBlocksPerRow {
		return fmt.Errorf("%w: block table tensor has %d entries, want %d",
			cache.ErrInvalidArgument, len(in.BlockTables), in.NumRows*in.MaxBlocksPerRow)
	}
	if in.AlibiSlopes != nil && len(in.AlibiSlopes) != in.NumHeads {
		return fmt.Errorf("%w: %d alibi slopes for %d heads", cache.ErrInvalidArgument, len(in.AlibiSlopes), in.NumHeads)
	}

	capacity := in.MaxBlocksPerRow * geo.BlockSize
	for r := 0; r < in.NumRows; r++ {
		seqLen := int(in.SeqLens[r])
		if seqLen < 0 {
			return fmt.Errorf("%w: row %d has negative context length %d", cache.ErrInvalidArgument, r, seqLen)
		}
		if seqLen > capacity {
			return fmt.Errorf("%w: row %d context length %d exceeds block-table capacity %d",
				cache.ErrConfiguration, r, seqLen, capacity)
		}
		for b := 0; b < geo.NumBlocksForTokens(seqLen); b++ {
			phys := in.BlockTables[r*in.MaxBlocksPerRow+b]
			if phys < 0 || int(phys) >= in.Pool.NumBlocks() {
				return fmt.Errorf("%w: row %d block %d has invalid physical index %d",
					cache.ErrInvalidArgument, r, b, phys)
			}
		}
	}
	return nil
}

// scale returns the effective score multiplier.
func (in *Input) scale() float32 {
	if in.Scale != 0 {
		return in.Scale
	}
	return float32(1.0 / math.Sqrt(float64(in.Pool.Geometry().HeadDim)))
}

// accumulateBlocks folds logical blocks [startBlock, endBlock) of row's
// context into state for one query head. Scores accumulate in float32
// regardless of the pool's storage element type; keyBuf and valBuf are
// headDim-wide scratch owned by the calling group.
func (in *Input) accumulateBlocks(row, head, startBlock, endBlock int, state *State, keyBuf, valBuf []float32) {
	geo := in.Pool.Geometry()
	headDim := geo.HeadDim
	blockSize := geo.BlockSize
	kvHead := head / (in.NumHeads / geo.NumKVHeads)
	seqLen := int(in.SeqLens[row])
	scale := in.scale()

	q := in.Query[(row*in.NumHeads+head)*headDim : (row*in.NumHeads+head+1)*headDim]

	var slope float32
	if in.AlibiSlopes != nil {
		slope = in.AlibiSlopes[head]
	}

	for b := startBlock; b < endBlock; b++ {
		if in.Mask != nil && !in.Mask.AllowBlock(row, head, b) {
			continue
		}
		phys := in.BlockTables[row*in.MaxBlocksPerRow+b]
		n := seqLen - b*blockSize
		if n > blockSize {
			n = blockSize
		}
		for t := 0; t < n; t++ {
			slot := phys*int32(blockSize) + int32(t)
			in.Pool.ReadKeyVec(in.Layer, slot, kvHead, keyBuf)

			var score float32
			for d := 0; d < headDim; d++ {
				score += q[d] * keyBuf[d]
			}
			score *= scale
			if slope != 0 {
				pos := b*blockSize + t
				score += slope * float32(pos-(seqLen-1))
			}

			in.Pool.ReadValueVec(in.Layer, slot, kvHead, valBuf)
			state.Update(score, valBuf)
		}
	}
}

// singlePass is the v1 execution strategy: one group per (row, head)
// walks the row's whole block table with a running accumulator.
func singlePass(in *Input, out []float32, cfg parallel.Config) {
	geo := in.Pool.Geometry()
	headDim := geo.HeadDim

	parallel.ForGrid(in.NumRows, in.NumHeads, func(row, head int) {
		keyBuf := make([]float32, headDim)
		valBuf := make([]float32, headDim)
		state := NewState(headDim)

		numBlocks := geo.NumBlocksForTokens(int(in.SeqLens[row]))
		in.accumulateBlocks(row, head, 0, numBlocks, &state, keyBuf, valBuf)

		state.Normalize(out[(row*in.NumHeads+head)*headDim : (row*in.NumHeads+head+1)*headDim])
	}, cfg)
}
