package cache

import (
	"fmt"
	"sync/atomic"
)

// Pool owns a fixed arena of numBlocks cache blocks for one memory tier.
// Key and value storage is one flat byte arena per layer; a block's
// payload lives at a stable offset derived from its physical index, so
// block handles are plain int32 values that transfer directly into
// kernel metadata tensors.
//
// Reference counts are atomic because the copy-on-write fork path may
// touch a block shared by several sequences. The free list is not
// locked: allocate/free only ever run on the control path between
// scheduling steps, never concurrently with an in-flight kernel.
type Pool struct {
	geo       Geometry
	tier      Tier
	keyCodec  Codec
	valCodec  Codec
	numBlocks int

	// Per-layer arenas: [numBlocks * BlockElems() * elemSize] bytes.
	keys   [][]byte
	values [][]byte

	refCounts []atomic.Int32
	free      []int32 // Stack; top is the last element.
}

// NewPool allocates the arena for numBlocks blocks in the given tier.
// keyCodec and valCodec must have the same element width; they differ
// only in quantization scale.
func NewPool(geo Geometry, tier Tier, numBlocks int, keyCodec, valCodec Codec) (*Pool, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	if numBlocks <= 0 {
		return nil, fmt.Errorf("%w: pool needs at least one block, got %d", ErrConfiguration, numBlocks)
	}
	if keyCodec.ElemSize() != valCodec.ElemSize() {
		return nil, fmt.Errorf("%w: key/value codecs disagree on element width", ErrConfiguration)
	}

	p := &Pool{
		geo:       geo,
		tier:      tier,
		keyCodec:  keyCodec,
		valCodec:  valCodec,
		numBlocks: numBlocks,
		keys:      make([][]byte, geo.NumLayers),
		values:    make([][]byte, geo.NumLayers),
		refCounts: make([]atomic.Int32, numBlocks),
		free:      make([]int32, numBlocks),
	}

	arenaBytes := numBlocks * geo.BlockElems() * keyCodec.ElemSize()
	for l := 0; l < geo.NumLayers; l++ {
		p.keys[l] = make([]byte, arenaBytes)
		p.values[l] = make([]byte, arenaBytes)
	}

	// Stack order: block 0 is allocated first.
	for i := 0; i < numBlocks; i++ {
		p.free[i] = int32(numBlocks - 1 - i)
	}
	return p, nil
}

// Allocate pops a free block and returns its physical index with an
// initial reference count of one. Fails with ErrOutOfMemory when the
// free list is empty, leaving the pool unchanged; recovery (eviction,
// swap-out) is the scheduler's responsibility.
func (p *Pool) Allocate() (int32, error) {
	if len(p.free) == 0 {
		return -1, fmt.Errorf("%w: tier %s has 0 of %d blocks free", ErrOutOfMemory, p.tier, p.numBlocks)
	}
	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	if c := p.refCounts[b].Swap(1); c != 0 {
		panic(fmt.Sprintf("cache: free-list block %d had refcount %d", b, c))
	}
	return b, nil
}

// IncRef adds a reference to an allocated block (copy-on-write fork).
// Incrementing a free block is a caller bug.
func (p *Pool) IncRef(block int32) {
	if p.refCounts[block].Add(1) <= 1 {
		panic(fmt.Sprintf("cache: IncRef on free block %d", block))
	}
}

// DecRef drops a reference; the block returns to the free list when the
// last reference is released. Decrementing a free block is a caller bug.
func (p *Pool) DecRef(block int32) {
	c := p.refCounts[block].Add(-1)
	if c < 0 {
		panic(fmt.Sprintf("cache: DecRef on free block %d", block))
	}
	if c == 0 {
		p.free = append(p.free, block)
	}
}

// IsShared reports whether more than one sequence currently references
// the block. The mutation layer must materialize a private copy before
// writing into a shared block.
func (p *Pool) IsShared(block int32) bool {
	return p.refCounts[block].Load() > 1
}

// RefCount returns the block's current reference count.
func (p *Pool) RefCount(block int32) int {
	return int(p.refCounts[block].Load())
}

// NumFree returns the number of blocks on the free list.
func (p *Pool) NumFree() int {
	return len(p.free)
}

// NumBlocks returns the pool's fixed capacity.
func (p *Pool) NumBlocks() int {
	return p.numBlocks
}

// Tier returns the pool's memory tier.
func (p *Pool) Tier() Tier {
	return p.tier
}

// Geometry returns the pool's block layout.
func (p *Pool) Geometry() Geometry {
	return p.geo
}

// DTypeCompatible reports whether blocks can move byte-for-byte between
// this pool and other.
func (p *Pool) DTypeCompatible(other *Pool) bool {
	return p.geo == other.geo &&
		p.keyCodec.DType() == other.keyCodec.DType() &&
		p.valCodec.DType() == other.valCodec.DType()
}

// validBlock reports whether block is a legal physical index.
func (p *Pool) validBlock(block int32) bool {
	return block >= 0 && int(block) < p.numBlocks
}

// validSlot reports whether slot is a legal physical token slot.
func (p *Pool) validSlot(slot int32) bool {
	return slot >= 0 && int(slot) < p.numBlocks*p.geo.BlockSize
}

// slotBytes returns the byte range of one token slot within a layer
// arena.
func (p *Pool) slotBytes(slot int32) (lo, hi int) {
	w := p.geo.TokenWidth() * p.keyCodec.ElemSize()
	lo = int(slot) * w
	return lo, lo + w
}

// blockBytes returns the byte range of one block within a layer arena.
func (p *Pool) blockBytes(block int32) (lo, hi int) {
	w := p.geo.BlockElems() * p.keyCodec.ElemSize()
	lo = int(block) * w
	return lo, lo + w
}

// writeToken encodes one token's key and value vectors into its slot.
func (p *Pool) writeToken(layer int, slot int32, key, value []float32) {
	lo, hi := p.slotBytes(slot)
	p.keyCodec.Encode(p.keys[layer][lo:hi], key)
	p.valCodec.Encode(p.values[layer][lo:hi], value)
}

// ReadKeyVec decodes one head's key vector for a physical token slot
// into dst (len HeadDim). This is the attention kernel's read path;
// dequantization happens here.
func (p *Pool) ReadKeyVec(layer int, slot int32, head int, dst []float32) {
	es := p.keyCodec.ElemSize()
	lo := (int(slot)*p.geo.TokenWidth() + head*p.geo.HeadDim) * es
	p.keyCodec.Decode(dst, p.keys[layer][lo:lo+p.geo.HeadDim*es])
}

// ReadValueVec decodes one head's value vector for a physical token
// slot into dst (len HeadDim).
func (p *Pool) ReadValueVec(layer int, slot int32, head int, dst []float32) {
	es := p.valCodec.ElemSize()
	lo := (int(slot)*p.geo.TokenWidth() + head*p.geo.HeadDim) * es
	p.valCodec.Decode(dst, p.values[layer][lo:lo+p.geo.HeadDim*es])
}

// KeyBlockBytes returns the raw stored bytes of one block's keys in one
// layer. Exposed for tests verifying bit-identical copies.
func (p *Pool) KeyBlockBytes(layer int, block int32) []byte {
	lo, hi := p.blockBytes(block)
	return p.keys[layer][lo:hi]
}

// ValueBlockBytes returns the raw stored bytes of one block's values in
// one layer.
func (p *Pool) ValueBlockBytes(layer int, block int32) []byte {
	lo, hi := p.blockBytes(block)
	return p.values[layer][lo:hi]
}
