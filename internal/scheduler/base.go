package scheduler

import (
	"math"
	"slices"

	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/errs"
	"github.com/23skdu/longbow-diffusion/internal/metrics"
	"github.com/23skdu/longbow-diffusion/internal/noise"
	"github.com/23skdu/longbow-diffusion/internal/tensor"
	"github.com/23skdu/longbow-diffusion/internal/timesteps"
)

// base carries what every variant shares: identity, config and schedule.
type base struct {
	kind  Kind
	cfg   config.SchedulerConfig
	sched *noise.Schedule
}

func newBase(kind Kind, cfg config.SchedulerConfig) (base, error) {
	sched, err := noise.New(cfg)
	if err != nil {
		return base{}, err
	}
	return base{kind: kind, cfg: cfg, sched: sched}, nil
}

func (b *base) Kind() Kind                     { return b.kind }
func (b *base) Config() config.SchedulerConfig { return b.cfg.Clone() }
func (b *base) Schedule() *noise.Schedule      { return b.sched }

// ScaleModelInput is the identity for variants working on the raw sample.
func (b *base) ScaleModelInput(x tensor.Tensor, _ State) tensor.Tensor { return x }

// discretePlan rounds the sequence onto the training grid.
func (b *base) discretePlan(steps int) (*Plan, error) {
	ts, err := timesteps.Sequence(steps, b.cfg.NumTrainTimesteps, b.cfg.StepsOffset, b.cfg.TimestepSpacing)
	if err != nil {
		metrics.RecordValidationError("plan", errs.Kind(err))
		return nil, err
	}
	return &Plan{Timesteps: timesteps.Round(ts), InitNoiseSigma: 1}, nil
}

// sigmaPlan interpolates sigmas at the (possibly fractional) timesteps, or
// spaces them with the Karras formula and maps them back onto timesteps.
// A terminal sigma of zero is appended.
func (b *base) sigmaPlan(steps int) (*Plan, error) {
	ts, err := timesteps.Sequence(steps, b.cfg.NumTrainTimesteps, b.cfg.StepsOffset, b.cfg.TimestepSpacing)
	if err != nil {
		metrics.RecordValidationError("plan", errs.Kind(err))
		return nil, err
	}

	sigmas := make([]float64, 0, steps+1)
	for _, t := range ts {
		sigmas = append(sigmas, b.sched.InterpSigma(t))
	}
	if b.cfg.UseKarrasSigmas {
		sigmas, ts = b.karras(sigmas)
	}
	sigmas = append(sigmas, 0)

	maxSigma := slices.Max(sigmas)
	init := math.Sqrt(maxSigma*maxSigma + 1)
	if b.cfg.TimestepSpacing == config.SpacingLinspace || b.cfg.TimestepSpacing == config.SpacingTrailing {
		init = maxSigma
	}
	return &Plan{Timesteps: ts, Sigmas: sigmas, InitNoiseSigma: init}, nil
}

// karras respaces sigmas between their extremes and derives matching
// timesteps.
func (b *base) karras(sigmas []float64) ([]float64, []float64) {
	out := noise.KarrasSigmas(slices.Min(sigmas), slices.Max(sigmas), len(sigmas), 7)
	ts := make([]float64, len(out))
	for i, s := range out {
		ts[i] = b.sched.SigmaToTimestep(s)
	}
	return out, ts
}

// check enforces the contract shared by every Step implementation.
func (b *base) check(pred tensor.Tensor, timestep float64, x tensor.Tensor, st State, rng tensor.RandomSource, stochastic bool) error {
	err := b.validate(pred, timestep, x, st, rng, stochastic)
	if err != nil {
		metrics.RecordValidationError("step", errs.Kind(err))
	}
	return err
}

func (b *base) validate(pred tensor.Tensor, timestep float64, x tensor.Tensor, st State, rng tensor.RandomSource, stochastic bool) error {
	if !st.Valid() {
		return errs.State("%s: step called before a plan was set", b.kind)
	}
	if st.Done() {
		return errs.State("%s: plan of %d steps already exhausted", b.kind, st.plan.Len())
	}
	if want := st.plan.Timesteps[st.index]; want != timestep {
		return errs.State("%s: timestep %v does not match planned timestep %v at step %d", b.kind, timestep, want, st.index)
	}
	if x.IsZero() || pred.IsZero() {
		return errs.Shape("%s: empty sample or prediction", b.kind)
	}
	if !pred.SameShape(x) {
		return errs.Shape("%s: prediction shape %v does not match sample shape %v", b.kind, pred.Shape(), x.Shape())
	}
	if stochastic && rng == nil {
		return errs.State("%s: stochastic step requires a random source", b.kind)
	}
	return nil
}

// finish rejects non-finite output.
func (b *base) finish(out tensor.Tensor) error {
	nan, inf := out.NonFinite()
	if nan+inf == 0 {
		return nil
	}
	metrics.RecordNumericalInstability(b.kind.String(), nan, inf)
	return errs.Numeric("%s: step produced %d NaN and %d Inf values", b.kind, nan, inf)
}

// discreteIndex maps a planned timestep to a schedule row.
func (b *base) discreteIndex(timestep float64) (int, error) {
	i, ok := timesteps.Index(timestep)
	if !ok || i < 0 || i >= b.sched.Len() {
		return 0, errs.State("%s: timestep %v is not on the training grid", b.kind, timestep)
	}
	return i, nil
}

// alphaPrev is ᾱ at the landing timestep. Past the end of the plan it is the
// final value: 1 with set_alpha_to_one, else ᾱ(0).
func (b *base) alphaPrev(prev float64) float64 {
	if prev < 0 {
		if b.cfg.SetAlphaToOne {
			return 1
		}
		return b.sched.AlphaCumulative(0)
	}
	return b.sched.AlphaCumulative(int(prev))
}

// predict converts the raw prediction into (x0, eps) at cumulative alpha a.
// With clip_sample, x0 is clamped; eps is left as derived from the raw
// prediction. At a = 1 the sample carries no noise and a sample prediction
// implies eps = 0.
func (b *base) predict(pred, x tensor.Tensor, a float64) (x0, eps tensor.Tensor) {
	sa, sb := math.Sqrt(a), math.Sqrt(1-a)
	switch b.cfg.PredictionType {
	case config.PredictSample:
		x0 = pred
		if sb == 0 {
			eps = x.Scale(0)
			break
		}
		eps = tensor.MustCombine(tensor.T(1/sb, x), tensor.T(-sa/sb, pred))
	case config.PredictV:
		x0 = tensor.MustCombine(tensor.T(sa, x), tensor.T(-sb, pred))
		eps = tensor.MustCombine(tensor.T(sa, pred), tensor.T(sb, x))
	default:
		x0 = tensor.MustCombine(tensor.T(1/sa, x), tensor.T(-sb/sa, pred))
		eps = pred
	}
	return b.clip(x0), eps
}

// consistentEps recomputes eps from a clipped x0 so that both agree.
func (b *base) consistentEps(x, x0, eps tensor.Tensor, a float64) tensor.Tensor {
	if !b.cfg.ClipSample || a >= 1 {
		return eps
	}
	sa, sb := math.Sqrt(a), math.Sqrt(1-a)
	return tensor.MustCombine(tensor.T(1/sb, x), tensor.T(-sa/sb, x0))
}

// sigmaX0 converts the prediction for sigma-parameterised variants, where x
// lives in the σ-scaled space.
func (b *base) sigmaX0(pred, x tensor.Tensor, sigma float64) tensor.Tensor {
	var x0 tensor.Tensor
	switch b.cfg.PredictionType {
	case config.PredictSample:
		x0 = pred
	case config.PredictV:
		s2 := sigma*sigma + 1
		x0 = tensor.MustCombine(tensor.T(-sigma/math.Sqrt(s2), pred), tensor.T(1/s2, x))
	default:
		x0 = tensor.MustCombine(tensor.T(1, x), tensor.T(-sigma, pred))
	}
	return b.clip(x0)
}

func (b *base) clip(x0 tensor.Tensor) tensor.Tensor {
	if !b.cfg.ClipSample {
		return x0
	}
	r := float32(b.cfg.ClipSampleRange)
	return x0.Clamp(-r, r)
}

// sigmaInput divides by √(σ²+1) at the current step.
func sigmaInput(x tensor.Tensor, st State) tensor.Tensor {
	sigma, ok := st.Sigma()
	if !ok {
		return x
	}
	return x.Scale(1 / math.Sqrt(sigma*sigma+1))
}

// derivative is (x - x0)/σ. It is exactly zero when x0 equals x, and taken
// as zero at σ = 0 where every update moves by a zero sigma interval.
func derivative(x, x0 tensor.Tensor, sigma float64) tensor.Tensor {
	if sigma == 0 {
		return x.Scale(0)
	}
	return tensor.MustCombine(tensor.T(1/sigma, x), tensor.T(-1/sigma, x0))
}
