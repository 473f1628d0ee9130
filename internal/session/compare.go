package session

import (
	"context"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/logger"
	"github.com/23skdu/longbow-diffusion/internal/scheduler"
	"github.com/23skdu/longbow-diffusion/internal/tensor"
)

// Comparison is the outcome of one variant in Compare.
type Comparison struct {
	Kind   scheduler.Kind
	Result *Result
	Err    error
	Mean   float64
	Std    float64
}

// Compare runs several variants from the same config, initial sample and
// seed concurrently. Construction errors abort the comparison; run errors are
// reported per variant. Every run gets its own source seeded with seed and
// its own run id; WithRandomSource and WithRunID in opts are overridden.
func Compare(ctx context.Context, cfg config.SchedulerConfig, kinds []scheduler.Kind, model ModelFunc, initial tensor.Tensor, steps int, seed int64, opts ...Option) ([]Comparison, error) {
	algs := make([]scheduler.Algorithm, len(kinds))
	for i, k := range kinds {
		alg, err := scheduler.New(k, cfg)
		if err != nil {
			return nil, err
		}
		algs[i] = alg
	}

	out := make([]Comparison, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, alg := range algs {
		g.Go(func() error {
			sessOpts := append(slices.Clone(opts), WithSeed(seed), WithRunID(""))
			res, err := New(alg, sessOpts...).Run(gctx, model, initial, steps)
			c := Comparison{Kind: alg.Kind(), Result: res, Err: err}
			if err == nil {
				c.Mean, c.Std = res.Sample.Stats()
			} else {
				logger.Log.Warn("Comparison run failed", "scheduler", alg.Kind().String(), "error", err.Error())
			}
			out[i] = c
			// only cancellation of the parent stops the other runs
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}
