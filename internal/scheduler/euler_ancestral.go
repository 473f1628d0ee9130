package scheduler

import (
	"math"

	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/tensor"
)

func init() {
	Register(KindEulerAncestral, newEulerAncestral)
}

// eulerAncestral steps down to σ_down deterministically and then re-injects
// fresh noise of scale σ_up, so that σ_down² + σ_up² = σ_next².
type eulerAncestral struct {
	base
}

func newEulerAncestral(cfg config.SchedulerConfig) (Algorithm, error) {
	b, err := newBase(KindEulerAncestral, cfg)
	if err != nil {
		return nil, err
	}
	return &eulerAncestral{base: b}, nil
}

func (s *eulerAncestral) Order() int       { return 1 }
func (s *eulerAncestral) Stochastic() bool { return true }

func (s *eulerAncestral) Plan(steps int) (*Plan, error) { return s.sigmaPlan(steps) }

func (s *eulerAncestral) InitState(plan *Plan) State { return newState(plan, 0, PhaseSingle) }

func (s *eulerAncestral) ScaleModelInput(x tensor.Tensor, st State) tensor.Tensor {
	return sigmaInput(x, st)
}

// AncestralSigmas splits the move from sigmaFrom to sigmaTo into its
// deterministic and stochastic parts.
func AncestralSigmas(sigmaFrom, sigmaTo float64) (down, up float64) {
	if sigmaFrom == 0 {
		return 0, 0
	}
	up = math.Sqrt(sigmaTo * sigmaTo * (sigmaFrom*sigmaFrom - sigmaTo*sigmaTo) / (sigmaFrom * sigmaFrom))
	up = min(up, sigmaTo)
	down = math.Sqrt(sigmaTo*sigmaTo - up*up)
	return down, up
}

func (s *eulerAncestral) Step(pred tensor.Tensor, timestep float64, x tensor.Tensor, st State, rng tensor.RandomSource) (tensor.Tensor, State, error) {
	if err := s.check(pred, timestep, x, st, rng, true); err != nil {
		return tensor.Tensor{}, st, err
	}

	sigma, next := st.plan.Sigmas[st.index], st.plan.Sigmas[st.index+1]
	down, up := AncestralSigmas(sigma, next)
	d := derivative(x, s.sigmaX0(pred, x, sigma), sigma)
	// noise is drawn every step, including the last, so the number of
	// draws depends only on the plan length
	z := tensor.Randn(rng, x.Shape()...)

	out, err := tensor.Combine(tensor.T(1, x), tensor.T(down-sigma, d), tensor.T(up, z))
	if err != nil {
		return tensor.Tensor{}, st, err
	}
	if err := s.finish(out); err != nil {
		return tensor.Tensor{}, st, err
	}
	return out, st.advance(st.history, PhaseSingle), nil
}
