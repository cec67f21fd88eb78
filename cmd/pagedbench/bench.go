package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/knifeayumu/aphrodite-engine/internal/engine"
)

func benchCmd() *cli.Command {
	var (
		configPath string
		numSeqs    int
		promptLen  int
		steps      int
		seed       int64
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Benchmark a simulated prefill + decode workload",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to yaml config (defaults used when omitted)",
				Destination: &configPath,
			},
			&cli.IntFlag{
				Name:        "seqs",
				Usage:       "number of concurrent sequences",
				Value:       8,
				Destination: &numSeqs,
			},
			&cli.IntFlag{
				Name:        "prompt-len",
				Usage:       "prompt length per sequence",
				Value:       128,
				Destination: &promptLen,
			},
			&cli.IntFlag{
				Name:        "steps",
				Usage:       "decode steps to run",
				Value:       64,
				Destination: &steps,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "rng seed",
				Value:       0,
				Destination: &seed,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runBench(cfg, numSeqs, promptLen, steps, seed)
		},
	}
}

func loadConfig(path string) (engine.Config, error) {
	if path == "" {
		return engine.DefaultConfig(), nil
	}
	return engine.LoadConfig(path)
}

// runBench drives the engine through a realistic schedule: allocate and
// prefill every sequence, then decode one token per sequence per step,
// writing K/V and running attention for every layer.
func runBench(cfg engine.Config, numSeqs, promptLen, steps int, seed int64) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	eng, err := engine.New(cfg, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	rng := rand.New(rand.NewSource(seed))
	kvWidth := cfg.NumKVHeads * cfg.HeadDim
	qWidth := cfg.NumHeads * cfg.HeadDim

	start := time.Now()

	ids := make([]int64, numSeqs)
	numNew := make([]int, numSeqs)
	for i := range ids {
		ids[i] = int64(i + 1)
		numNew[i] = promptLen
		if st := eng.CanAllocate(promptLen); st != engine.AllocOK {
			return fmt.Errorf("cannot admit sequence %d: %s", ids[i], st)
		}
		if err := eng.Allocate(ids[i], promptLen); err != nil {
			return err
		}
	}

	// Prefill: write every prompt token's K/V.
	md, err := eng.BuildStepMetadata(ids, numNew)
	if err != nil {
		return err
	}
	keys := randFloats(rng, len(md.SlotMapping)*kvWidth)
	values := randFloats(rng, len(md.SlotMapping)*kvWidth)
	for l := 0; l < cfg.NumLayers; l++ {
		if err := eng.WriteKV(l, keys, values, md.SlotMapping); err != nil {
			return err
		}
	}
	prefillDur := time.Since(start)

	// Decode: one new token per sequence per step.
	decodeStart := time.Now()
	for i := range numNew {
		numNew[i] = 1
	}
	for step := 0; step < steps; step++ {
		for _, id := range ids {
			if err := eng.AppendSlots(id, 1); err != nil {
				return err
			}
		}
		md, err := eng.BuildStepMetadata(ids, numNew)
		if err != nil {
			return err
		}
		stepKeys := randFloats(rng, numSeqs*kvWidth)
		stepValues := randFloats(rng, numSeqs*kvWidth)
		query := randFloats(rng, numSeqs*qWidth)
		for l := 0; l < cfg.NumLayers; l++ {
			if err := eng.WriteKV(l, stepKeys, stepValues, md.SlotMapping); err != nil {
				return err
			}
			if _, err := eng.Attend(l, query, md, nil, nil); err != nil {
				return err
			}
		}
	}
	decodeDur := time.Since(decodeStart)

	for _, id := range ids {
		eng.Free(id)
	}

	tokens := numSeqs * steps
	fmt.Printf("prefill: %d seqs x %d tokens in %v\n", numSeqs, promptLen, prefillDur)
	fmt.Printf("decode:  %d tokens in %v (%.1f tok/s)\n",
		tokens, decodeDur, float64(tokens)/decodeDur.Seconds())
	fmt.Printf("free blocks after teardown: %d/%d\n", eng.NumFreeGPUBlocks(), cfg.NumGPUBlocks)
	return nil
}

func randFloats(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}
