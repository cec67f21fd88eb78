// Package engine is the scheduler-facing facade over the paged cache:
// admission checks, block-table lifecycle (allocate, append, fork,
// free), cross-tier swapping, per-step metadata assembly, and the
// kernel entry points.
//
// All engine methods run on the scheduler's control path between steps;
// none may be called concurrently with an in-flight kernel touching the
// same blocks. That sequencing, not locking, is what keeps the
// reference counts and free lists consistent.
package engine

import (
	"fmt"
	"log/slog"

	"github.com/knifeayumu/aphrodite-engine/internal/attention"
	"github.com/knifeayumu/aphrodite-engine/internal/cache"
	"github.com/knifeayumu/aphrodite-engine/internal/metadata"
	"github.com/knifeayumu/aphrodite-engine/internal/parallel"
)

// AllocStatus is the admission answer for a new sequence.
type AllocStatus int

// Admission results.
const (
	// AllocOK: enough free blocks right now, respecting the watermark.
	AllocOK AllocStatus = iota
	// AllocLater: not now, but freeing running sequences would make room.
	AllocLater
	// AllocNever: the request can never fit this pool, even empty.
	AllocNever
)

// String returns the status name.
func (s AllocStatus) String() string {
	switch s {
	case AllocOK:
		return "ok"
	case AllocLater:
		return "later"
	case AllocNever:
		return "never"
	default:
		return "unknown"
	}
}

// seqState tracks one sequence the scheduler has registered.
type seqState struct {
	table     *cache.BlockTable
	numTokens int
	tier      cache.Tier
}

// Engine owns the tier pools and every registered sequence's block
// table.
type Engine struct {
	cfg Config
	gpu *cache.Pool
	cpu *cache.Pool // nil when swapping is disabled.

	transfer *cache.Stream
	asm      *metadata.Assembler
	seqs     map[int64]*seqState

	watermarkBlocks int
	par             parallel.Config
	log             *slog.Logger
}

// New builds an engine from a validated config.
func New(cfg Config, log *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	dt, err := cfg.DType()
	if err != nil {
		return nil, err
	}
	keyCodec := cache.NewCodec(dt, cfg.KScale)
	valCodec := cache.NewCodec(dt, cfg.VScale)
	geo := cfg.Geometry()

	gpu, err := cache.NewPool(geo, cache.TierGPU, cfg.NumGPUBlocks, keyCodec, valCodec)
	if err != nil {
		return nil, err
	}
	var cpu *cache.Pool
	if cfg.NumCPUBlocks > 0 {
		cpu, err = cache.NewPool(geo, cache.TierCPU, cfg.NumCPUBlocks, keyCodec, valCodec)
		if err != nil {
			return nil, err
		}
	}

	asm, err := metadata.NewAssembler(geo, geo.NumBlocksForTokens(cfg.MaxSeqLen))
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:             cfg,
		gpu:             gpu,
		cpu:             cpu,
		transfer:        cache.NewStream(),
		asm:             asm,
		seqs:            make(map[int64]*seqState),
		watermarkBlocks: int(cfg.Watermark * float64(cfg.NumGPUBlocks)),
		par:             parallel.DefaultConfig(),
		log:             log,
	}, nil
}

// Close drains the transfer stream.
func (e *Engine) Close() {
	e.transfer.Close()
}

// GPUPool exposes the fast-tier pool for kernel launches and tests.
func (e *Engine) GPUPool() *cache.Pool { return e.gpu }

// CPUPool exposes the swap-tier pool; nil when swapping is disabled.
func (e *Engine) CPUPool() *cache.Pool { return e.cpu }

// Parallel returns the engine's kernel launch configuration.
func (e *Engine) Parallel() parallel.Config { return e.par }

// NumFreeGPUBlocks returns the fast tier's free-list size.
func (e *Engine) NumFreeGPUBlocks() int { return e.gpu.NumFree() }

// NumFreeCPUBlocks returns the swap tier's free-list size.
func (e *Engine) NumFreeCPUBlocks() int {
	if e.cpu == nil {
		return 0
	}
	return e.cpu.NumFree()
}

// ContextLen returns a sequence's resident token count, or 0 for an
// unknown sequence.
func (e *Engine) ContextLen(seqID int64) int {
	if s, ok := e.seqs[seqID]; ok {
		return s.numTokens
	}
	return 0
}

// CanAllocate answers admission for a new sequence of numTokens prompt
// tokens plus one decode block, against the watermark: AllocNever when
// the pool could never fit it, AllocLater when it fits but not right
// now, AllocOK otherwise.
func (e *Engine) CanAllocate(numTokens int) AllocStatus {
	geo := e.gpu.Geometry()
	required := geo.NumBlocksForTokens(numTokens) + 1
	if e.gpu.NumBlocks()-required < e.watermarkBlocks {
		return AllocNever
	}
	if e.gpu.NumFree()-required >= e.watermarkBlocks {
		return AllocOK
	}
	return AllocLater
}

// Allocate registers seqID and allocates blocks for its first numTokens
// tokens. On ErrOutOfMemory nothing is allocated and the sequence is
// not registered.
func (e *Engine) Allocate(seqID int64, numTokens int) error {
	if _, ok := e.seqs[seqID]; ok {
		return fmt.Errorf("%w: sequence %d already allocated", cache.ErrInvalidArgument, seqID)
	}
	if numTokens <= 0 {
		return fmt.Errorf("%w: sequence %d needs a positive token count, got %d",
			cache.ErrInvalidArgument, seqID, numTokens)
	}
	if numTokens > e.cfg.MaxSeqLen {
		return fmt.Errorf("%w: sequence %d length %d exceeds max_seq_len %d",
			cache.ErrConfiguration, seqID, numTokens, e.cfg.MaxSeqLen)
	}

	geo := e.gpu.Geometry()
	need := geo.NumBlocksForTokens(numTokens)
	if e.gpu.NumFree() < need {
		e.log.Warn("allocation failed", "seq", seqID, "need_blocks", need, "free_blocks", e.gpu.NumFree())
		return fmt.Errorf("%w: sequence %d needs %d blocks, %d free",
			cache.ErrOutOfMemory, seqID, need, e.gpu.NumFree())
	}

	table := cache.NewBlockTable(e.gpu)
	for i := 0; i < need; i++ {
		b, err := e.gpu.Allocate()
		if err != nil {
			table.Free()
			return err
		}
		table.AppendBlock(b)
	}
	e.seqs[seqID] = &seqState{table: table, numTokens: numTokens, tier: cache.TierGPU}
	return nil
}

// AppendSlots grows a sequence by numNew tokens, allocating a fresh
// block at each block-boundary crossing and materializing private
// copies of any shared block the new tokens will write into (the
// copy-on-write contract: never write a block you do not exclusively
// own). The free-block demand is checked up front; on ErrOutOfMemory
// the sequence is unchanged.
func (e *Engine) AppendSlots(seqID int64, numNew int) error {
	s, ok := e.seqs[seqID]
	if !ok {
		return fmt.Errorf("%w: unknown sequence %d", cache.ErrInvalidArgument, seqID)
	}
	if s.tier != cache.TierGPU {
		return fmt.Errorf("%w: sequence %d is swapped out", cache.ErrInvalidArgument, seqID)
	}
	if numNew <= 0 {
		return fmt.Errorf("%w: sequence %d append of %d tokens", cache.ErrInvalidArgument, seqID, numNew)
	}
	newLen := s.numTokens + numNew
	if newLen > e.cfg.MaxSeqLen {
		return fmt.Errorf("%w: sequence %d would reach %d tokens, max_seq_len is %d",
			cache.ErrConfiguration, seqID, newLen, e.cfg.MaxSeqLen)
	}

	geo := e.gpu.Geometry()
	firstBlock := s.numTokens / geo.BlockSize
	lastBlock := (newLen - 1) / geo.BlockSize

	// Count demand before touching anything: fresh blocks past the
	// table end plus shared blocks that must be materialized.
	var toMaterialize []int
	need := 0
	for b := firstBlock; b <= lastBlock; b++ {
		if b >= s.table.Len() {
			need++
		} else if e.gpu.IsShared(s.table.Block(b)) {
			toMaterialize = append(toMaterialize, b)
			need++
		}
	}
	if e.gpu.NumFree() < need {
		e.log.Warn("append failed", "seq", seqID, "need_blocks", need, "free_blocks", e.gpu.NumFree())
		return fmt.Errorf("%w: sequence %d append needs %d blocks, %d free",
			cache.ErrOutOfMemory, seqID, need, e.gpu.NumFree())
	}

	for _, b := range toMaterialize {
		fresh, err := e.gpu.Allocate()
		if err != nil {
			return err
		}
		old := s.table.Block(b)
		if err := cache.CopyBlocks(e.gpu, []cache.CopyPair{{Src: old, Dst: fresh}}, e.par); err != nil {
			return err
		}
		s.table.ReplaceBlock(b, fresh)
	}
	for b := s.table.Len(); b <= lastBlock; b++ {
		fresh, err := e.gpu.Allocate()
		if err != nil {
			return err
		}
		s.table.AppendBlock(fresh)
	}

	s.numTokens = newLen
	return nil
}

// Fork registers childID as a copy-on-write sibling of parentID: the
// two block tables share every block, with reference counts bumped. No
// data is copied at fork time.
func (e *Engine) Fork(parentID, childID int64) error {
	parent, ok := e.seqs[parentID]
	if !ok {
		return fmt.Errorf("%w: unknown parent sequence %d", cache.ErrInvalidArgument, parentID)
	}
	if _, ok := e.seqs[childID]; ok {
		return fmt.Errorf("%w: child sequence %d already exists", cache.ErrInvalidArgument, childID)
	}
	if parent.tier != cache.TierGPU {
		return fmt.Errorf("%w: parent sequence %d is swapped out", cache.ErrInvalidArgument, parentID)
	}

	e.seqs[childID] = &seqState{
		table:     parent.table.Fork(),
		numTokens: parent.numTokens,
		tier:      parent.tier,
	}
	return nil
}

// Free releases a sequence's block references and unregisters it.
// Freeing an unknown (or already freed) sequence is a no-op: abandoned
// sequences are freed at the next safe step boundary without the
// scheduler tracking whether it already did.
func (e *Engine) Free(seqID int64) {
	s, ok := e.seqs[seqID]
	if !ok {
		return
	}
	s.table.Free()
	delete(e.seqs, seqID)
}

// SwapOut moves a sequence's blocks to the CPU tier, returning the
// (gpu, cpu) block mapping. Destination blocks are allocated here; the
// transfer is issued on the engine's stream and completed before the
// source blocks return to the free list, so a subsequent allocation
// can never race the copy.
func (e *Engine) SwapOut(seqID int64) ([]cache.CopyPair, error) {
	s, ok := e.seqs[seqID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sequence %d", cache.ErrInvalidArgument, seqID)
	}
	if s.tier != cache.TierGPU {
		return nil, fmt.Errorf("%w: sequence %d already swapped out", cache.ErrInvalidArgument, seqID)
	}
	if e.cpu == nil {
		return nil, fmt.Errorf("%w: swap tier disabled", cache.ErrConfiguration)
	}
	return e.swap(s, e.gpu, e.cpu, cache.TierCPU, seqID)
}

// SwapIn moves a swapped-out sequence's blocks back to the GPU tier,
// returning the (cpu, gpu) block mapping.
func (e *Engine) SwapIn(seqID int64) ([]cache.CopyPair, error) {
	s, ok := e.seqs[seqID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sequence %d", cache.ErrInvalidArgument, seqID)
	}
	if s.tier != cache.TierCPU {
		return nil, fmt.Errorf("%w: sequence %d is not swapped out", cache.ErrInvalidArgument, seqID)
	}
	return e.swap(s, e.cpu, e.gpu, cache.TierGPU, seqID)
}

// swap relocates every block of s from src to dst. The destination
// copy is always private, even when the source blocks were shared with
// a sibling that stays behind.
func (e *Engine) swap(s *seqState, src, dst *cache.Pool, dstTier cache.Tier, seqID int64) ([]cache.CopyPair, error) {
	srcBlocks := s.table.Blocks()
	if dst.NumFree() < len(srcBlocks) {
		e.log.Warn("swap failed", "seq", seqID, "to", dstTier.String(),
			"need_blocks", len(srcBlocks), "free_blocks", dst.NumFree())
		return nil, fmt.Errorf("%w: swap of sequence %d needs %d %s blocks, %d free",
			cache.ErrOutOfMemory, seqID, len(srcBlocks), dstTier, dst.NumFree())
	}

	newTable := cache.NewBlockTable(dst)
	pairs := make([]cache.CopyPair, 0, len(srcBlocks))
	for _, srcBlock := range srcBlocks {
		dstBlock, err := dst.Allocate()
		if err != nil {
			newTable.Free()
			return nil, err
		}
		newTable.AppendBlock(dstBlock)
		pairs = append(pairs, cache.CopyPair{Src: srcBlock, Dst: dstBlock})
	}

	if err := cache.SwapBlocks(src, dst, pairs, e.transfer); err != nil {
		newTable.Free()
		return nil, err
	}
	// Source blocks become reusable the moment they are freed; the
	// transfer must be complete first.
	e.transfer.Synchronize()

	s.table.Free()
	s.table = newTable
	s.tier = dstTier
	e.log.Debug("swapped sequence", "seq", seqID, "to", dstTier.String(), "blocks", len(pairs))
	return pairs, nil
}

// IsSwappedOut reports whether the sequence currently lives in the CPU
// tier.
func (e *Engine) IsSwappedOut(seqID int64) bool {
	s, ok := e.seqs[seqID]
	return ok && s.tier == cache.TierCPU
}

// BlockTable returns a copy of a sequence's physical block list.
func (e *Engine) BlockTable(seqID int64) ([]int32, error) {
	s, ok := e.seqs[seqID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sequence %d", cache.ErrInvalidArgument, seqID)
	}
	return s.table.Blocks(), nil
}

// BuildStepMetadata assembles the kernel input tensors for this step.
// ids is the scheduler's active-row ordering; numNew[i] is how many new
// tokens row i writes this step (the tail of its context).
func (e *Engine) BuildStepMetadata(ids []int64, numNew []int) (*metadata.StepMetadata, error) {
	if len(ids) != len(numNew) {
		return nil, fmt.Errorf("%w: %d ids with %d new-token counts", cache.ErrInvalidArgument, len(ids), len(numNew))
	}
	seqs := make([]metadata.SeqInput, len(ids))
	for i, id := range ids {
		s, ok := e.seqs[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown sequence %d", cache.ErrInvalidArgument, id)
		}
		if s.tier != cache.TierGPU {
			return nil, fmt.Errorf("%w: sequence %d is swapped out", cache.ErrInvalidArgument, id)
		}
		seqs[i] = metadata.SeqInput{ID: id, Table: s.table, ContextLen: s.numTokens, NumNew: numNew[i]}
	}
	return e.asm.Build(seqs)
}

// WriteKV scatters one layer's freshly computed K/V into the fast-tier
// pool through the step's slot mapping.
func (e *Engine) WriteKV(layer int, keys, values []float32, slotMapping []int32) error {
	return cache.ReshapeAndCache(e.gpu, layer, keys, values, slotMapping, e.par)
}

// Attend runs paged attention for one layer over the step's metadata.
// query is flat [rows, NumHeads, HeadDim]; the output has the same
// shape. slopes and mask are optional.
func (e *Engine) Attend(layer int, query []float32, md *metadata.StepMetadata, slopes []float32, mask attention.BlockSparseMask) ([]float32, error) {
	in := &attention.Input{
		Pool:            e.gpu,
		Layer:           layer,
		Query:           query,
		NumRows:         len(md.SeqLens),
		NumHeads:        e.cfg.NumHeads,
		BlockTables:     md.BlockTables,
		MaxBlocksPerRow: md.MaxBlocksPerSeq,
		SeqLens:         md.SeqLens,
		AlibiSlopes:     slopes,
		Mask:            mask,
	}
	return attention.Compute(in, e.par)
}
