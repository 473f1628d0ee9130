// Package noise precomputes the per-timestep coefficients of a diffusion
// noise schedule. A Schedule is immutable after New and safe to share across
// concurrent runs.
package noise

import (
	"math"
	"slices"
	"sort"

	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/errs"
)

// maxBeta caps the cosine schedule so alphas stay strictly positive.
const maxBeta = 0.999

type Schedule struct {
	Kind          config.BetaSchedule
	Betas         []float64
	Alphas        []float64
	AlphasCumprod []float64

	sigmas    []float64
	logSigmas []float64
}

// New builds the schedule described by cfg. Only the schedule fields of cfg
// are consulted.
func New(cfg config.SchedulerConfig) (*Schedule, error) {
	n := cfg.NumTrainTimesteps
	if n <= 0 {
		return nil, errs.Config("invalid num_train_timesteps: %d (must be positive)", n)
	}
	if cfg.BetaStart >= cfg.BetaEnd {
		return nil, errs.Config("invalid beta range: beta_start %v >= beta_end %v", cfg.BetaStart, cfg.BetaEnd)
	}
	if cfg.BetaStart < 0 || cfg.BetaEnd >= 1 {
		return nil, errs.Config("invalid beta range: [%v, %v] must lie in [0, 1)", cfg.BetaStart, cfg.BetaEnd)
	}

	var betas []float64
	switch cfg.BetaSchedule {
	case config.BetaLinear:
		betas = linspace(cfg.BetaStart, cfg.BetaEnd, n)
	case config.BetaScaledLinear:
		betas = linspace(math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd), n)
		for i, b := range betas {
			betas[i] = b * b
		}
	case config.BetaSquaredCos:
		betas = cosineBetas(n)
	default:
		return nil, errs.Config("unknown beta_schedule %q", cfg.BetaSchedule)
	}

	s := &Schedule{
		Kind:          cfg.BetaSchedule,
		Betas:         betas,
		Alphas:        make([]float64, n),
		AlphasCumprod: make([]float64, n),
		sigmas:        make([]float64, n),
		logSigmas:     make([]float64, n),
	}
	prod := 1.0
	for i, b := range betas {
		s.Alphas[i] = 1 - b
		prod *= s.Alphas[i]
		s.AlphasCumprod[i] = prod
		s.sigmas[i] = math.Sqrt((1 - prod) / prod)
		s.logSigmas[i] = math.Log(math.Max(s.sigmas[i], 1e-10))
	}

	if prod <= 0 || math.IsNaN(prod) {
		return nil, errs.Config("alpha_cumulative underflows to %v at t=%d", prod, n-1)
	}
	return s, nil
}

// cosineBetas discretises ᾱ(t) = cos²((t+0.008)/1.008 · π/2).
func cosineBetas(n int) []float64 {
	alphaBar := func(t float64) float64 {
		c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
		return c * c
	}
	betas := make([]float64, n)
	for i := range betas {
		t1 := float64(i) / float64(n)
		t2 := float64(i+1) / float64(n)
		betas[i] = math.Min(1-alphaBar(t2)/alphaBar(t1), maxBeta)
	}
	return betas
}

func (s *Schedule) Len() int { return len(s.AlphasCumprod) }

// AlphaCumulative returns ᾱ_t. It panics on an out-of-range timestep; use
// AlphaCumulativeAt for checked access.
func (s *Schedule) AlphaCumulative(t int) float64 {
	return s.AlphasCumprod[t]
}

func (s *Schedule) AlphaCumulativeAt(t int) (float64, error) {
	if t < 0 || t >= len(s.AlphasCumprod) {
		return 0, errs.State("timestep %d outside trained range [0, %d)", t, len(s.AlphasCumprod))
	}
	return s.AlphasCumprod[t], nil
}

// Sigma returns the noise-to-signal ratio √((1-ᾱ_t)/ᾱ_t).
func (s *Schedule) Sigma(t int) float64 {
	return s.sigmas[t]
}

// Sigmas returns a copy of the training sigma table, ascending in t.
func (s *Schedule) Sigmas() []float64 {
	return slices.Clone(s.sigmas)
}

// InterpSigma linearly interpolates sigma at a fractional timestep, clamping
// to the table ends.
func (s *Schedule) InterpSigma(t float64) float64 {
	last := len(s.sigmas) - 1
	switch {
	case t <= 0:
		return s.sigmas[0]
	case t >= float64(last):
		return s.sigmas[last]
	}
	lo := int(math.Floor(t))
	w := t - float64(lo)
	return (1-w)*s.sigmas[lo] + w*s.sigmas[lo+1]
}

// InterpAlphaCumulative returns ᾱ at a fractional timestep via InterpSigma.
func (s *Schedule) InterpAlphaCumulative(t float64) float64 {
	sigma := s.InterpSigma(t)
	return 1 / (sigma*sigma + 1)
}

// SigmaToTimestep inverts the sigma table by interpolating in log-sigma
// space. Sigmas outside the table clamp to the end timesteps.
func (s *Schedule) SigmaToTimestep(sigma float64) float64 {
	ls := math.Log(math.Max(sigma, 1e-10))
	n := len(s.logSigmas)
	if n == 1 {
		return 0
	}
	// largest lo with logSigmas[lo] <= ls, kept within [0, n-2]
	lo := sort.Search(n, func(i int) bool { return s.logSigmas[i] > ls }) - 1
	lo = max(0, min(lo, n-2))
	hi := lo + 1

	w := (s.logSigmas[lo] - ls) / (s.logSigmas[lo] - s.logSigmas[hi])
	w = math.Max(0, math.Min(1, w))
	return (1-w)*float64(lo) + w*float64(hi)
}

// KarrasSigmas returns n sigmas spaced per Karras et al. (2022), descending
// from sigmaMax to sigmaMin.
func KarrasSigmas(sigmaMin, sigmaMax float64, n int, rho float64) []float64 {
	if n == 1 {
		return []float64{sigmaMax}
	}
	minInv := math.Pow(sigmaMin, 1/rho)
	maxInv := math.Pow(sigmaMax, 1/rho)
	out := make([]float64, n)
	for i := range out {
		ramp := float64(i) / float64(n-1)
		out[i] = math.Pow(maxInv+ramp*(minInv-maxInv), rho)
	}
	return out
}

// AlphaSigma converts a noise-to-signal ratio into the variance-preserving
// pair (α_t, σ_t) with α_t² + σ_t² = 1.
func AlphaSigma(sigma float64) (alpha, sigmaT float64) {
	alpha = 1 / math.Sqrt(sigma*sigma+1)
	return alpha, sigma * alpha
}

func linspace(start, end float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (end - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}
