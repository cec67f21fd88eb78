package attention

import (
	"github.com/knifeayumu/aphrodite-engine/internal/parallel"
)

// Strategy names one of the two execution plans for the paged attention
// kernel. The strategies are numerically equivalent up to float
// accumulation order; selection is purely a throughput decision.
type Strategy int

// Execution strategies.
const (
	// SinglePass walks each row's whole block table with one group per
	// (row, head).
	SinglePass Strategy = iota
	// SplitReduce partitions long contexts into PartitionSize chunks
	// processed by independent groups, then merges the partials.
	SplitReduce
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case SinglePass:
		return "single-pass"
	case SplitReduce:
		return "split-reduce"
	default:
		return "unknown"
	}
}

// kernels is the strategy dispatch table.
var kernels = map[Strategy]func(*Input, []float32, parallel.Config){
	SinglePass:  singlePass,
	SplitReduce: splitReduce,
}

// SelectStrategy picks the execution plan from context length and grid
// occupancy: single-pass for short contexts when one partition covers
// the whole context or the (row, head) grid is already wide enough to
// saturate the workers, split-reduce otherwise. Pure function of its
// arguments.
func SelectStrategy(maxSeqLen, numRows, numHeads int) Strategy {
	maxParts := (maxSeqLen + PartitionSize - 1) / PartitionSize
	if maxSeqLen <= 8192 && (maxParts == 1 || numRows*numHeads > 512) {
		return SinglePass
	}
	return SplitReduce
}

// Compute runs paged attention for one layer and returns the output
// tensor, shaped like the query: [NumRows, NumHeads, HeadDim]. The
// strategy is chosen by SelectStrategy unless forced via ComputeWith.
func Compute(in *Input, cfg parallel.Config) ([]float32, error) {
	maxSeqLen := 0
	for _, l := range in.SeqLens {
		if int(l) > maxSeqLen {
			maxSeqLen = int(l)
		}
	}
	return ComputeWith(SelectStrategy(maxSeqLen, in.NumRows, in.NumHeads), in, cfg)
}

// ComputeWith runs paged attention with an explicit strategy. Used by
// the equivalence tests and the verify command.
func ComputeWith(strategy Strategy, in *Input, cfg parallel.Config) ([]float32, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	out := make([]float32, len(in.Query))
	kernels[strategy](in, out, cfg)
	return out, nil
}
