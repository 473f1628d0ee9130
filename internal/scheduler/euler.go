package scheduler

import (
	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/tensor"
)

func init() {
	Register(KindEuler, newEuler)
}

// euler integrates the probability-flow ODE in sigma space with one
// first-order step per model call.
type euler struct {
	base
}

func newEuler(cfg config.SchedulerConfig) (Algorithm, error) {
	b, err := newBase(KindEuler, cfg)
	if err != nil {
		return nil, err
	}
	return &euler{base: b}, nil
}

func (s *euler) Order() int       { return 1 }
func (s *euler) Stochastic() bool { return false }

func (s *euler) Plan(steps int) (*Plan, error) { return s.sigmaPlan(steps) }

func (s *euler) InitState(plan *Plan) State { return newState(plan, 0, PhaseSingle) }

func (s *euler) ScaleModelInput(x tensor.Tensor, st State) tensor.Tensor {
	return sigmaInput(x, st)
}

func (s *euler) Step(pred tensor.Tensor, timestep float64, x tensor.Tensor, st State, rng tensor.RandomSource) (tensor.Tensor, State, error) {
	if err := s.check(pred, timestep, x, st, rng, false); err != nil {
		return tensor.Tensor{}, st, err
	}

	sigma, next := st.plan.Sigmas[st.index], st.plan.Sigmas[st.index+1]
	d := derivative(x, s.sigmaX0(pred, x, sigma), sigma)

	out, err := tensor.Combine(tensor.T(1, x), tensor.T(next-sigma, d))
	if err != nil {
		return tensor.Tensor{}, st, err
	}
	if err := s.finish(out); err != nil {
		return tensor.Tensor{}, st, err
	}
	return out, st.advance(st.history, PhaseSingle), nil
}
