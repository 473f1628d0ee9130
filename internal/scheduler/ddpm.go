package scheduler

import (
	"math"

	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/tensor"
)

func init() {
	Register(KindDDPM, newDDPM)
}

// ddpm is ancestral sampling from the learned reverse Markov chain, with the
// transition computed between consecutive plan timesteps.
type ddpm struct {
	base
}

func newDDPM(cfg config.SchedulerConfig) (Algorithm, error) {
	b, err := newBase(KindDDPM, cfg)
	if err != nil {
		return nil, err
	}
	return &ddpm{base: b}, nil
}

func (s *ddpm) Order() int       { return 1 }
func (s *ddpm) Stochastic() bool { return true }

func (s *ddpm) Plan(steps int) (*Plan, error) { return s.discretePlan(steps) }

func (s *ddpm) InitState(plan *Plan) State { return newState(plan, 0, PhaseSingle) }

func (s *ddpm) Step(pred tensor.Tensor, timestep float64, x tensor.Tensor, st State, rng tensor.RandomSource) (tensor.Tensor, State, error) {
	if err := s.check(pred, timestep, x, st, rng, true); err != nil {
		return tensor.Tensor{}, st, err
	}
	t, err := s.discreteIndex(timestep)
	if err != nil {
		return tensor.Tensor{}, st, err
	}

	prev := st.plan.prevTimestep(st.index)
	a := s.sched.AlphaCumulative(t)
	aPrev := 1.0
	if prev >= 0 {
		aPrev = s.sched.AlphaCumulative(int(prev))
	}
	alpha := a / aPrev
	beta := 1 - alpha

	x0, _ := s.predict(pred, x, a)

	// posterior mean μ = c0·x0 + ct·x_t; at ᾱ = 1 it is the limit μ = x0
	c0, ct := 1.0, 0.0
	if a < 1 {
		c0 = math.Sqrt(aPrev) * beta / (1 - a)
		ct = math.Sqrt(alpha) * (1 - aPrev) / (1 - a)
	}
	terms := []tensor.Term{tensor.T(c0, x0), tensor.T(ct, x)}

	if t > 0 && a < 1 {
		var variance float64
		switch s.cfg.VarianceType {
		case config.VarianceFixedLarge:
			variance = beta
		default:
			variance = max((1-aPrev)/(1-a)*beta, 1e-20)
		}
		z := tensor.Randn(rng, x.Shape()...)
		terms = append(terms, tensor.T(math.Sqrt(variance), z))
	}

	out, err := tensor.Combine(terms...)
	if err != nil {
		return tensor.Tensor{}, st, err
	}
	if err := s.finish(out); err != nil {
		return tensor.Tensor{}, st, err
	}
	return out, st.advance(st.history, PhaseSingle), nil
}
