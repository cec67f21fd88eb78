package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamFIFOOrder(t *testing.T) {
	s := NewStream()
	defer s.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		s.Submit(func() { got = append(got, i) })
	}
	s.Synchronize()

	// Synchronize is the completion barrier: every submitted op ran, in
	// submission order.
	assert.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestStreamSynchronizeEmpty(t *testing.T) {
	s := NewStream()
	defer s.Close()
	// Must not block with nothing in flight.
	s.Synchronize()
	s.Synchronize()
}
