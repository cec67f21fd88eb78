package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/knifeayumu/aphrodite-engine/internal/attention"
	"github.com/knifeayumu/aphrodite-engine/internal/engine"
)

func verifyCmd() *cli.Command {
	var configPath string

	return &cli.Command{
		Name:  "verify",
		Usage: "Run numerical and bookkeeping self-checks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to yaml config (defaults used when omitted)",
				Destination: &configPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runVerify(cfg)
		},
	}
}

type check struct {
	name string
	fn   func(engine.Config) error
}

func runVerify(cfg engine.Config) error {
	checks := []check{
		{"strategy-equivalence", checkStrategyEquivalence},
		{"copy-on-write", checkCopyOnWrite},
		{"swap-round-trip", checkSwapRoundTrip},
	}

	failed := 0
	for _, c := range checks {
		if err := c.fn(cfg); err != nil {
			failed++
			fmt.Printf("FAIL %-22s %v\n", c.name, err)
			continue
		}
		fmt.Printf("ok   %s\n", c.name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(checks))
	}
	return nil
}

// checkStrategyEquivalence runs the same attention launch through both
// execution strategies and compares outputs element-wise.
func checkStrategyEquivalence(cfg engine.Config) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	eng, err := engine.New(cfg, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	rng := rand.New(rand.NewSource(7))
	kvWidth := cfg.NumKVHeads * cfg.HeadDim
	qWidth := cfg.NumHeads * cfg.HeadDim

	// Mixed context lengths, including a multi-partition row when the
	// pool is big enough.
	ctxLens := []int{5, cfg.BlockSize, cfg.BlockSize*3 + 1}
	maxCtx := 600
	if maxCtx > cfg.MaxSeqLen {
		maxCtx = cfg.MaxSeqLen
	}
	ctxLens = append(ctxLens, maxCtx)

	ids := make([]int64, len(ctxLens))
	numNew := make([]int, len(ctxLens))
	for i, n := range ctxLens {
		ids[i] = int64(i + 1)
		numNew[i] = n
		if err := eng.Allocate(ids[i], n); err != nil {
			return err
		}
	}
	md, err := eng.BuildStepMetadata(ids, numNew)
	if err != nil {
		return err
	}
	keys := randFloats(rng, len(md.SlotMapping)*kvWidth)
	values := randFloats(rng, len(md.SlotMapping)*kvWidth)
	if err := eng.WriteKV(0, keys, values, md.SlotMapping); err != nil {
		return err
	}

	query := randFloats(rng, len(ids)*qWidth)
	in := &attention.Input{
		Pool:            eng.GPUPool(),
		Layer:           0,
		Query:           query,
		NumRows:         len(ids),
		NumHeads:        cfg.NumHeads,
		BlockTables:     md.BlockTables,
		MaxBlocksPerRow: md.MaxBlocksPerSeq,
		SeqLens:         md.SeqLens,
	}
	v1, err := attention.ComputeWith(attention.SinglePass, in, eng.Parallel())
	if err != nil {
		return err
	}
	v2, err := attention.ComputeWith(attention.SplitReduce, in, eng.Parallel())
	if err != nil {
		return err
	}

	const tol = 1e-4
	for i := range v1 {
		if diff := math.Abs(float64(v1[i] - v2[i])); diff > tol {
			return fmt.Errorf("outputs diverge at element %d: %v vs %v", i, v1[i], v2[i])
		}
	}
	return nil
}

// checkCopyOnWrite forks a sequence, appends divergent tokens to both
// branches, and verifies the shared prefix blocks stayed shared while
// the written block was materialized.
func checkCopyOnWrite(cfg engine.Config) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	eng, err := engine.New(cfg, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	// A context ending mid-block, so the fork shares a partially filled
	// last block that both branches will write into.
	ctx := cfg.BlockSize*2 + cfg.BlockSize/2
	if err := eng.Allocate(1, ctx); err != nil {
		return err
	}
	if err := eng.Fork(1, 2); err != nil {
		return err
	}

	freeBefore := eng.NumFreeGPUBlocks()
	if err := eng.AppendSlots(1, 1); err != nil {
		return err
	}
	if err := eng.AppendSlots(2, 1); err != nil {
		return err
	}

	// The first divergent write materialized one private copy; after
	// that the original block belongs to branch 2 alone and is written
	// in place.
	if got := freeBefore - eng.NumFreeGPUBlocks(); got != 1 {
		return fmt.Errorf("expected 1 block consumed by divergence, got %d", got)
	}
	t1, err := eng.BlockTable(1)
	if err != nil {
		return err
	}
	t2, err := eng.BlockTable(2)
	if err != nil {
		return err
	}
	for i := 0; i < 2; i++ {
		if t1[i] != t2[i] {
			return fmt.Errorf("prefix block %d no longer shared: %d vs %d", i, t1[i], t2[i])
		}
	}
	if t1[2] == t2[2] {
		return fmt.Errorf("last block still shared after divergent writes")
	}

	eng.Free(1)
	eng.Free(2)
	if eng.NumFreeGPUBlocks() != cfg.NumGPUBlocks {
		return fmt.Errorf("block leak: %d/%d free after teardown", eng.NumFreeGPUBlocks(), cfg.NumGPUBlocks)
	}
	return nil
}

// checkSwapRoundTrip swaps a sequence out to the CPU tier and back,
// verifying the cache contents survive byte-for-byte.
func checkSwapRoundTrip(cfg engine.Config) error {
	if cfg.NumCPUBlocks == 0 {
		return fmt.Errorf("swap tier disabled (num_cpu_blocks = 0)")
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	eng, err := engine.New(cfg, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	rng := rand.New(rand.NewSource(11))
	kvWidth := cfg.NumKVHeads * cfg.HeadDim
	ctx := cfg.BlockSize * 3

	if err := eng.Allocate(1, ctx); err != nil {
		return err
	}
	md, err := eng.BuildStepMetadata([]int64{1}, []int{ctx})
	if err != nil {
		return err
	}
	keys := randFloats(rng, ctx*kvWidth)
	values := randFloats(rng, ctx*kvWidth)
	for l := 0; l < cfg.NumLayers; l++ {
		if err := eng.WriteKV(l, keys, values, md.SlotMapping); err != nil {
			return err
		}
	}

	before := make([][]byte, 0)
	blocks, err := eng.BlockTable(1)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		before = append(before, append([]byte(nil), eng.GPUPool().KeyBlockBytes(0, b)...))
	}

	if _, err := eng.SwapOut(1); err != nil {
		return err
	}
	if !eng.IsSwappedOut(1) {
		return fmt.Errorf("sequence not marked swapped out")
	}
	if _, err := eng.SwapIn(1); err != nil {
		return err
	}

	after, err := eng.BlockTable(1)
	if err != nil {
		return err
	}
	for i, b := range after {
		if !bytes.Equal(before[i], eng.GPUPool().KeyBlockBytes(0, b)) {
			return fmt.Errorf("block %d keys changed across swap round trip", i)
		}
	}

	eng.Free(1)
	return nil
}
