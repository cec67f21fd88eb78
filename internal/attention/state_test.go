package attention

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

// referenceSoftmaxAttend computes sum(softmax(scores) * values) with a
// two-pass softmax.
func referenceSoftmaxAttend(scores []float64, values [][]float32, headDim int) []float32 {
	max := math.Inf(-1)
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	var sum float64
	weights := make([]float64, len(scores))
	for i, s := range scores {
		weights[i] = math.Exp(s - max)
		sum += weights[i]
	}
	out := make([]float32, headDim)
	for i := range scores {
		for d := 0; d < headDim; d++ {
			out[d] += float32(weights[i] / sum * float64(values[i][d]))
		}
	}
	return out
}

func randomPairs(rng *rand.Rand, n, headDim int) ([]float64, [][]float32) {
	scores := make([]float64, n)
	values := make([][]float32, n)
	for i := range scores {
		scores[i] = rng.NormFloat64() * 4
		values[i] = make([]float32, headDim)
		for d := range values[i] {
			values[i][d] = rng.Float32()*2 - 1
		}
	}
	return scores, values
}

func TestStateUpdateMatchesTwoPassSoftmax(t *testing.T) {
	const headDim = 6
	rng := rand.New(rand.NewSource(1))
	scores, values := randomPairs(rng, 40, headDim)

	s := NewState(headDim)
	for i := range scores {
		s.Update(float32(scores[i]), values[i])
	}
	got := make([]float32, headDim)
	s.Normalize(got)

	want := referenceSoftmaxAttend(scores, values, headDim)
	for d := 0; d < headDim; d++ {
		assert.InDelta(t, want[d], got[d], 1e-5)
	}
}

func TestMergeEqualsSequentialUpdates(t *testing.T) {
	const headDim = 4
	rng := rand.New(rand.NewSource(2))
	scores, values := randomPairs(rng, 30, headDim)

	// One pass over everything.
	whole := NewState(headDim)
	for i := range scores {
		whole.Update(float32(scores[i]), values[i])
	}

	// Split into three chunks, merge the partials.
	merged := NewState(headDim)
	for _, span := range [][2]int{{0, 7}, {7, 21}, {21, 30}} {
		part := NewState(headDim)
		for i := span[0]; i < span[1]; i++ {
			part.Update(float32(scores[i]), values[i])
		}
		merged.Merge(&part)
	}

	a := make([]float32, headDim)
	b := make([]float32, headDim)
	whole.Normalize(a)
	merged.Normalize(b)
	for d := 0; d < headDim; d++ {
		assert.InDelta(t, a[d], b[d], 1e-5)
	}
}

func TestMergeCommutative(t *testing.T) {
	const headDim = 4
	rng := rand.New(rand.NewSource(3))
	scores, values := randomPairs(rng, 20, headDim)

	mk := func(lo, hi int) State {
		s := NewState(headDim)
		for i := lo; i < hi; i++ {
			s.Update(float32(scores[i]), values[i])
		}
		return s
	}

	ab := MergeStates(mk(0, 10), mk(10, 20))
	ba := MergeStates(mk(10, 20), mk(0, 10))

	x := make([]float32, headDim)
	y := make([]float32, headDim)
	ab.Normalize(x)
	ba.Normalize(y)
	for d := 0; d < headDim; d++ {
		assert.InDelta(t, x[d], y[d], 1e-6)
	}
}

func TestMergeAssociative(t *testing.T) {
	const headDim = 4
	rng := rand.New(rand.NewSource(4))
	scores, values := randomPairs(rng, 30, headDim)

	mk := func(lo, hi int) State {
		s := NewState(headDim)
		for i := lo; i < hi; i++ {
			s.Update(float32(scores[i]), values[i])
		}
		return s
	}

	left := MergeStates(MergeStates(mk(0, 10), mk(10, 20)), mk(20, 30))
	right := MergeStates(mk(0, 10), MergeStates(mk(10, 20), mk(20, 30)))

	x := make([]float32, headDim)
	y := make([]float32, headDim)
	left.Normalize(x)
	right.Normalize(y)
	for d := 0; d < headDim; d++ {
		assert.InDelta(t, x[d], y[d], 1e-6)
	}
}

func TestMergeWithEmptyPartial(t *testing.T) {
	const headDim = 3
	s := NewState(headDim)
	s.Update(1.0, []float32{1, 2, 3})

	before := make([]float32, headDim)
	s.Normalize(before)

	// Empty partials are identity elements.
	empty := NewState(headDim)
	s.Merge(&empty)
	after := make([]float32, headDim)
	s.Normalize(after)
	assert.Equal(t, before, after)

	// Merging into an empty state copies.
	fresh := NewState(headDim)
	fresh.Merge(&s)
	got := make([]float32, headDim)
	fresh.Normalize(got)
	assert.Equal(t, before, got)
}

func TestNormalizeEmptyState(t *testing.T) {
	s := NewState(3)
	dst := []float32{9, 9, 9}
	s.Normalize(dst)
	assert.Equal(t, []float32{0, 0, 0}, dst)
}
