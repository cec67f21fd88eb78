// Package attention computes scaled dot-product attention over the
// paged cache layout: queries read key/value vectors through a
// sequence's block table, so context tokens may be scattered across
// non-contiguous physical blocks.
package attention

import "math"

// State is a partial online-softmax accumulation: the running maximum,
// the running sum of exp(score - max), and the running exp-weighted
// value accumulator. Processing scores one at a time through Update and
// combining chunk partials through Merge yields the same result as a
// two-pass softmax without materializing the score row.
//
// Merge is associative and commutative (up to float rounding) thanks to
// the max-rescaling, which is what lets the split-reduce kernel combine
// chunk partials in any order.
type State struct {
	Max    float32   // Running maximum score; -Inf when empty.
	SumExp float32   // Running sum of exp(score - Max).
	Acc    []float32 // Running weighted value accumulator [headDim].
}

// NewState returns an empty accumulator for headDim-wide values.
func NewState(headDim int) State {
	return State{
		Max: float32(math.Inf(-1)),
		Acc: make([]float32, headDim),
	}
}

// Update folds one (score, value) pair into the state:
//
//	m' = max(m, score)
//	l' = l*exp(m - m') + exp(score - m')
//	acc' = acc*exp(m - m') + exp(score - m') * value
func (s *State) Update(score float32, value []float32) {
	newMax := s.Max
	if score > newMax {
		newMax = score
	}
	correction := float32(math.Exp(float64(s.Max - newMax)))
	e := float32(math.Exp(float64(score - newMax)))

	s.SumExp = s.SumExp*correction + e
	for i := range s.Acc {
		s.Acc[i] = s.Acc[i]*correction + e*value[i]
	}
	s.Max = newMax
}

// Merge folds another partial state into s using the same rescale rule.
// Empty partials (chunks whose every block was masked off, or beyond a
// short sequence's length) contribute nothing.
func (s *State) Merge(o *State) {
	if o.SumExp == 0 {
		return
	}
	if s.SumExp == 0 {
		s.Max = o.Max
		s.SumExp = o.SumExp
		copy(s.Acc, o.Acc)
		return
	}

	newMax := s.Max
	if o.Max > newMax {
		newMax = o.Max
	}
	cs := float32(math.Exp(float64(s.Max - newMax)))
	co := float32(math.Exp(float64(o.Max - newMax)))

	s.SumExp = s.SumExp*cs + o.SumExp*co
	for i := range s.Acc {
		s.Acc[i] = s.Acc[i]*cs + o.Acc[i]*co
	}
	s.Max = newMax
}

// Normalize writes the final attention output acc/l into dst. An empty
// state (nothing attended) produces zeros.
func (s *State) Normalize(dst []float32) {
	if s.SumExp == 0 {
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	for i := range dst {
		dst[i] = s.Acc[i] / s.SumExp
	}
}

// MergeStates combines two independently computed attention partials
// for the same query (e.g. a cached-prefix partial and a suffix
// partial) into one, returning the merged state.
func MergeStates(a, b State) State {
	merged := NewState(len(a.Acc))
	merged.Merge(&a)
	merged.Merge(&b)
	return merged
}
