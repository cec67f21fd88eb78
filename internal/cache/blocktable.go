package cache

// BlockTable is a sequence's ordered list of physical block indices:
// entry i covers logical token positions [i*BlockSize, (i+1)*BlockSize).
// The table holds weak references (indices, not owning handles) into its
// pool; reference-count claims are coordinated through the pool's
// IncRef/DecRef on fork and free.
type BlockTable struct {
	pool   *Pool
	blocks []int32
}

// NewBlockTable creates an empty table bound to pool.
func NewBlockTable(pool *Pool) *BlockTable {
	return &BlockTable{pool: pool}
}

// AppendBlock appends a physical block index the caller obtained from
// the pool's Allocate. The table takes over the allocation's reference
// claim.
func (t *BlockTable) AppendBlock(phys int32) {
	t.blocks = append(t.blocks, phys)
}

// Fork returns an independent table with identical entries, adding one
// reference to every listed block. The two tables are copy-on-write
// siblings: a write into a shared block must be preceded by a private
// copy (the caller checks IsShared before any in-place mutation).
func (t *BlockTable) Fork() *BlockTable {
	forked := &BlockTable{
		pool:   t.pool,
		blocks: make([]int32, len(t.blocks)),
	}
	copy(forked.blocks, t.blocks)
	for _, b := range t.blocks {
		t.pool.IncRef(b)
	}
	return forked
}

// Free releases one reference on every entry and clears the table.
// Blocks whose last reference this was return to the free list.
// Idempotent: freeing an already-freed table is a no-op.
func (t *BlockTable) Free() {
	for i := len(t.blocks) - 1; i >= 0; i-- {
		t.pool.DecRef(t.blocks[i])
	}
	t.blocks = t.blocks[:0]
}

// Truncate drops every entry past table position numBlocks, releasing
// one reference on each removed block. Truncating to the current length
// or beyond is a no-op.
func (t *BlockTable) Truncate(numBlocks int) {
	if numBlocks >= len(t.blocks) {
		return
	}
	for i := len(t.blocks) - 1; i >= numBlocks; i-- {
		t.pool.DecRef(t.blocks[i])
	}
	t.blocks = t.blocks[:numBlocks]
}

// ReplaceBlock swaps the entry at table position idx for a new physical
// block, used when a shared block is materialized into a private copy.
// The old entry loses the table's reference; newPhys carries its own
// claim from Allocate.
func (t *BlockTable) ReplaceBlock(idx int, newPhys int32) {
	old := t.blocks[idx]
	t.blocks[idx] = newPhys
	t.pool.DecRef(old)
}

// Len returns the number of blocks in the table.
func (t *BlockTable) Len() int {
	return len(t.blocks)
}

// Block returns the physical index at table position idx.
func (t *BlockTable) Block(idx int) int32 {
	return t.blocks[idx]
}

// Blocks returns a copy of the table's entries.
func (t *BlockTable) Blocks() []int32 {
	out := make([]int32, len(t.blocks))
	copy(out, t.blocks)
	return out
}

// Pool returns the pool this table references.
func (t *BlockTable) Pool() *Pool {
	return t.pool
}

// LogicalToPhysical maps a logical token position to its physical block
// index and offset within the block.
func (t *BlockTable) LogicalToPhysical(tok int) (block int32, offset int) {
	bs := t.pool.geo.BlockSize
	return t.blocks[tok/bs], tok % bs
}

// SlotForToken returns the absolute physical slot for a logical token
// position: physical_block * BlockSize + offset.
func (t *BlockTable) SlotForToken(tok int) int32 {
	block, offset := t.LogicalToPhysical(tok)
	return block*int32(t.pool.geo.BlockSize) + int32(offset)
}
