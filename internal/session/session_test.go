package session

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/errs"
	"github.com/23skdu/longbow-diffusion/internal/scheduler"
	"github.com/23skdu/longbow-diffusion/internal/tensor"
	"github.com/23skdu/longbow-diffusion/internal/toymodel"
)

func newAlg(t *testing.T, k scheduler.Kind) scheduler.Algorithm {
	t.Helper()
	alg, err := scheduler.New(k, config.Default())
	require.NoError(t, err)
	return alg
}

func initial(seed int64) tensor.Tensor {
	return tensor.Randn(rand.New(rand.NewSource(seed)), 2, 4, 4)
}

func countingModel(calls *int, inner ModelFunc) ModelFunc {
	return func(ctx context.Context, x tensor.Tensor, t float64) (tensor.Tensor, error) {
		*calls++
		return inner(ctx, x, t)
	}
}

func TestRunCallsModelOncePerStep(t *testing.T) {
	for _, k := range scheduler.Kinds() {
		t.Run(k.String(), func(t *testing.T) {
			var calls, events int
			var lastStep = -1
			sess := New(newAlg(t, k), WithSeed(1), WithObserver(func(ev StepEvent) error {
				events++
				if ev.Step != lastStep+1 {
					return errors.New("out of order event")
				}
				lastStep = ev.Step
				return nil
			}))

			res, err := sess.Run(context.Background(), countingModel(&calls, toymodel.Constant(0.2)), initial(1), 25)
			require.NoError(t, err)
			assert.Equal(t, 25, calls)
			assert.Equal(t, 25, res.Calls)
			assert.Equal(t, 25, events)
			assert.True(t, res.Final.State.Done())
			assert.Equal(t, sess.RunID(), res.RunID)
		})
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	sess := New(newAlg(t, scheduler.KindDDIM))
	_, err := sess.Run(context.Background(), toymodel.Zero(), tensor.Tensor{}, 10)
	assert.ErrorIs(t, err, errs.ErrShape)

	_, err = sess.Run(context.Background(), toymodel.Zero(), initial(1), 0)
	assert.ErrorIs(t, err, errs.ErrConfig)

	stochastic := New(newAlg(t, scheduler.KindEulerAncestral))
	_, err = stochastic.Run(context.Background(), toymodel.Zero(), initial(1), 10)
	assert.ErrorIs(t, err, errs.ErrState)
}

func TestModelErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	model := func(_ context.Context, x tensor.Tensor, t float64) (tensor.Tensor, error) {
		if t < 500 {
			return tensor.Tensor{}, boom
		}
		return x, nil
	}
	res, err := New(newAlg(t, scheduler.KindDDIM)).Run(context.Background(), model, initial(2), 10)
	require.ErrorIs(t, err, boom)
	assert.Less(t, res.Final.State.Index(), 10)
}

func TestStepErrorPropagates(t *testing.T) {
	model := func(_ context.Context, x tensor.Tensor, _ float64) (tensor.Tensor, error) {
		return tensor.New(3), nil
	}
	_, err := New(newAlg(t, scheduler.KindEuler)).Run(context.Background(), model, initial(2), 10)
	assert.ErrorIs(t, err, errs.ErrShape)
}

func TestCancelAndResume(t *testing.T) {
	for _, k := range []scheduler.Kind{scheduler.KindDPMSolverMultistep, scheduler.KindPNDM, scheduler.KindEulerAncestral} {
		t.Run(k.String(), func(t *testing.T) {
			alg := newAlg(t, k)
			model := toymodel.Constant(0.3)

			full, err := New(alg, WithSeed(9)).Run(context.Background(), model, initial(3), 20)
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sess := New(alg, WithSeed(9), WithObserver(func(ev StepEvent) error {
				if ev.Step == 6 {
					cancel()
				}
				return nil
			}))
			partial, err := sess.Run(ctx, model, initial(3), 20)
			require.ErrorIs(t, err, context.Canceled)
			require.Equal(t, 7, partial.Final.State.Index())
			require.Equal(t, 7, partial.Calls)

			resumed, err := sess.Resume(context.Background(), model, partial.Final)
			require.NoError(t, err)
			assert.Equal(t, 13, resumed.Calls)

			d, err := tensor.MaxAbsDiff(full.Sample, resumed.Sample)
			require.NoError(t, err)
			assert.Zero(t, d, "resumed run should match the uninterrupted run")
		})
	}
}

func TestResumeRejectsEmptyCheckpoint(t *testing.T) {
	sess := New(newAlg(t, scheduler.KindDDIM))
	_, err := sess.Resume(context.Background(), toymodel.Zero(), Checkpoint{})
	assert.ErrorIs(t, err, errs.ErrState)
}

func TestObserverErrorAborts(t *testing.T) {
	stop := errors.New("stop")
	var calls int
	sess := New(newAlg(t, scheduler.KindLMS), WithObserver(func(ev StepEvent) error {
		if ev.Step == 2 {
			return stop
		}
		return nil
	}))
	_, err := sess.Run(context.Background(), countingModel(&calls, toymodel.Zero()), initial(4), 10)
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 3, calls)
}

func TestWithRunID(t *testing.T) {
	sess := New(newAlg(t, scheduler.KindDDIM), WithRunID("fixed"))
	assert.Equal(t, "fixed", sess.RunID())
	assert.NotEqual(t, New(newAlg(t, scheduler.KindDDIM)).RunID(), New(newAlg(t, scheduler.KindDDIM)).RunID())
}

func TestCompareMatchesIndividualRuns(t *testing.T) {
	cfg := config.Default()
	kinds := scheduler.Kinds()
	model := toymodel.Constant(0.25)

	results, err := Compare(context.Background(), cfg, kinds, model, initial(5), 12, 77)
	require.NoError(t, err)
	require.Len(t, results, len(kinds))

	for i, k := range kinds {
		require.NoError(t, results[i].Err, k.String())
		require.Equal(t, k, results[i].Kind)

		alg, err := scheduler.New(k, cfg)
		require.NoError(t, err)
		single, err := New(alg, WithSeed(77)).Run(context.Background(), model, initial(5), 12)
		require.NoError(t, err)

		d, _ := tensor.MaxAbsDiff(single.Sample, results[i].Result.Sample)
		assert.Zero(t, d, "%s: concurrent run diverged from a sequential one", k)
	}
}

func TestCompareRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.SolverOrder = 0
	_, err := Compare(context.Background(), cfg, scheduler.Kinds(), toymodel.Zero(), initial(1), 5, 1)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestGaussianModelRecoversDataSpread(t *testing.T) {
	alg := newAlg(t, scheduler.KindDPMSolverMultistep)
	const std = 0.5
	x := tensor.Randn(rand.New(rand.NewSource(6)), 64, 64)
	res, err := New(alg).Run(context.Background(), toymodel.Gaussian(alg.Schedule(), std), x, 30)
	require.NoError(t, err)
	_, got := res.Sample.Stats()
	assert.InDelta(t, std, got, 0.05)
}

func TestCompareIsolatesRuns(t *testing.T) {
	cfg := config.Default()
	kinds := []scheduler.Kind{scheduler.KindDDPM, scheduler.KindEulerAncestral, scheduler.KindDDPM}
	model := toymodel.Constant(0.1)
	shared := rand.New(rand.NewSource(1))

	results, err := Compare(context.Background(), cfg, kinds, model, initial(8), 10, 42,
		WithRandomSource(shared), WithRunID("same"))
	require.NoError(t, err)

	ids := map[string]bool{}
	for i, c := range results {
		require.NoError(t, c.Err)
		assert.NotEqual(t, "same", c.Result.RunID)
		ids[c.Result.RunID] = true

		single, err := New(newAlg(t, kinds[i]), WithSeed(42)).Run(context.Background(), model, initial(8), 10)
		require.NoError(t, err)
		d, _ := tensor.MaxAbsDiff(single.Sample, c.Result.Sample)
		assert.Zero(t, d, "%s drew from a source shared with other runs", kinds[i])
	}
	assert.Len(t, ids, len(kinds))
}
