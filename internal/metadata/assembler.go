// Package metadata builds the per-step kernel input tensors from the
// scheduler's sequence bookkeeping: the 2-D block-table tensor, the
// context-length vector, and the slot mapping for tokens written this
// step.
//
// Everything is rebuilt from scratch every scheduling step. Incremental
// patching would be cheaper per step but invites stale-index bugs; the
// rebuild is O(active sequences), which the scheduler already pays.
package metadata

import (
	"fmt"

	"github.com/knifeayumu/aphrodite-engine/internal/attention"
	"github.com/knifeayumu/aphrodite-engine/internal/cache"
)

// SeqInput is one active sequence's slice of the scheduler's decision
// for this step.
type SeqInput struct {
	ID         int64
	Table      *cache.BlockTable
	ContextLen int // Tokens resident after this step's writes.
	NumNew     int // Tokens whose K/V are written this step.
}

// StepMetadata is the assembled kernel input for one scheduling step.
// All three tensors share the same row ordering (the order of the
// input slice).
type StepMetadata struct {
	// BlockTables is flat [NumSeqs, MaxBlocksPerSeq], short rows padded
	// with attention.PadBlock.
	BlockTables     []int32
	MaxBlocksPerSeq int

	// SeqLens[r] is row r's context length.
	SeqLens []int32

	// SlotMapping holds one physical slot per newly written token, in
	// row order: row 0's new tokens first, then row 1's, and so on.
	SlotMapping []int32

	// SeqIDs mirrors the row ordering for callers that need to map rows
	// back to scheduler sequence ids.
	SeqIDs []int64
}

// Assembler builds StepMetadata under a fixed capacity bound.
type Assembler struct {
	geo             cache.Geometry
	maxBlocksPerSeq int
}

// NewAssembler creates an assembler. maxBlocksPerSeq bounds every
// sequence's block-table length; a longer context is a configuration
// error surfaced at assembly time, before any kernel launch.
func NewAssembler(geo cache.Geometry, maxBlocksPerSeq int) (*Assembler, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	if maxBlocksPerSeq <= 0 {
		return nil, fmt.Errorf("%w: maxBlocksPerSeq must be positive, got %d", cache.ErrConfiguration, maxBlocksPerSeq)
	}
	return &Assembler{geo: geo, maxBlocksPerSeq: maxBlocksPerSeq}, nil
}

// MaxContextLen returns the longest context the assembler admits.
func (a *Assembler) MaxContextLen() int {
	return a.maxBlocksPerSeq * a.geo.BlockSize
}

// Build assembles the step tensors for the given sequences. The output
// tensors are internally consistent: row r of BlockTables, SeqLens and
// SeqIDs all describe seqs[r], and SlotMapping is ordered by row.
func (a *Assembler) Build(seqs []SeqInput) (*StepMetadata, error) {
	numSeqs := len(seqs)
	maxBlocks := 1
	totalNew := 0

	for _, s := range seqs {
		if s.ContextLen <= 0 {
			return nil, fmt.Errorf("%w: seq %d has context length %d", cache.ErrInvalidArgument, s.ID, s.ContextLen)
		}
		if s.NumNew < 0 || s.NumNew > s.ContextLen {
			return nil, fmt.Errorf("%w: seq %d writes %d new tokens with context %d",
				cache.ErrInvalidArgument, s.ID, s.NumNew, s.ContextLen)
		}
		if s.ContextLen > a.MaxContextLen() {
			return nil, fmt.Errorf("%w: seq %d context length %d exceeds configured capacity %d",
				cache.ErrConfiguration, s.ID, s.ContextLen, a.MaxContextLen())
		}
		need := a.geo.NumBlocksForTokens(s.ContextLen)
		if got := s.Table.Len(); got != need {
			return nil, fmt.Errorf("%w: seq %d block table has %d blocks, context %d needs %d",
				cache.ErrInvalidArgument, s.ID, got, s.ContextLen, need)
		}
		if need > maxBlocks {
			maxBlocks = need
		}
		totalNew += s.NumNew
	}

	md := &StepMetadata{
		BlockTables:     make([]int32, numSeqs*maxBlocks),
		MaxBlocksPerSeq: maxBlocks,
		SeqLens:         make([]int32, numSeqs),
		SlotMapping:     make([]int32, 0, totalNew),
		SeqIDs:          make([]int64, numSeqs),
	}

	for r, s := range seqs {
		md.SeqIDs[r] = s.ID
		md.SeqLens[r] = int32(s.ContextLen)

		row := md.BlockTables[r*maxBlocks : (r+1)*maxBlocks]
		for i := range row {
			row[i] = attention.PadBlock
		}
		copy(row, s.Table.Blocks())

		// New tokens occupy the tail of the context.
		for tok := s.ContextLen - s.NumNew; tok < s.ContextLen; tok++ {
			md.SlotMapping = append(md.SlotMapping, s.Table.SlotForToken(tok))
		}
	}
	return md, nil
}
