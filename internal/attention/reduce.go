package attention

import (
	"github.com/knifeayumu/aphrodite-engine/internal/parallel"
)

// PartitionSize is the number of token slots one split-reduce partition
// covers. Matches the original kernel's partition constant; partitions
// always align to block boundaries because PartitionSize is a multiple
// of every supported block size.
const PartitionSize = 512

// splitReduce is the v2 execution strategy: the block table is cut into
// contiguous partitions of PartitionSize token slots, one group per
// (row, head, partition) produces a partial softmax state, and a second
// launch merges the partials per (row, head).
//
// The ForGrid3 return is the full-launch barrier between the two
// phases: no merge reads a partial before every partial write has
// completed. The merge itself is order-insensitive (State.Merge is
// associative and commutative up to rounding).
func splitReduce(in *Input, out []float32, cfg parallel.Config) {
	geo := in.Pool.Geometry()
	headDim := geo.HeadDim
	blocksPerPart := PartitionSize / geo.BlockSize
	if blocksPerPart == 0 {
		blocksPerPart = 1
	}

	maxParts := 1
	for r := 0; r < in.NumRows; r++ {
		numBlocks := geo.NumBlocksForTokens(int(in.SeqLens[r]))
		parts := (numBlocks + blocksPerPart - 1) / blocksPerPart
		if parts > maxParts {
			maxParts = parts
		}
	}

	partials := make([]State, in.NumRows*in.NumHeads*maxParts)

	// Phase 1: independent partial accumulation per partition.
	parallel.ForGrid3(in.NumRows, in.NumHeads, maxParts, func(row, head, part int) {
		numBlocks := geo.NumBlocksForTokens(int(in.SeqLens[row]))
		startBlock := part * blocksPerPart
		idx := (row*in.NumHeads+head)*maxParts + part
		partials[idx] = NewState(headDim)
		if startBlock >= numBlocks {
			return // Short row: this partition is empty.
		}
		endBlock := startBlock + blocksPerPart
		if endBlock > numBlocks {
			endBlock = numBlocks
		}

		keyBuf := make([]float32, headDim)
		valBuf := make([]float32, headDim)
		in.accumulateBlocks(row, head, startBlock, endBlock, &partials[idx], keyBuf, valBuf)
	}, cfg)

	// Phase 2: merge partials and normalize.
	parallel.ForGrid(in.NumRows, in.NumHeads, func(row, head int) {
		merged := NewState(headDim)
		base := (row*in.NumHeads + head) * maxParts
		for part := 0; part < maxParts; part++ {
			merged.Merge(&partials[base+part])
		}
		merged.Normalize(out[(row*in.NumHeads+head)*headDim : (row*in.NumHeads+head+1)*headDim])
	}, cfg)
}
