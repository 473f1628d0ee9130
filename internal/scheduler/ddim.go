package scheduler

import (
	"math"

	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/tensor"
)

func init() {
	Register(KindDDIM, newDDIM)
}

// ddim is the implicit sampler. eta interpolates between the deterministic
// update (0) and DDPM-like ancestral noise (1).
type ddim struct {
	base
}

func newDDIM(cfg config.SchedulerConfig) (Algorithm, error) {
	b, err := newBase(KindDDIM, cfg)
	if err != nil {
		return nil, err
	}
	return &ddim{base: b}, nil
}

func (s *ddim) Order() int       { return 1 }
func (s *ddim) Stochastic() bool { return s.cfg.Eta > 0 }

func (s *ddim) Plan(steps int) (*Plan, error) { return s.discretePlan(steps) }

func (s *ddim) InitState(plan *Plan) State { return newState(plan, 0, PhaseSingle) }

func (s *ddim) Step(pred tensor.Tensor, timestep float64, x tensor.Tensor, st State, rng tensor.RandomSource) (tensor.Tensor, State, error) {
	if err := s.check(pred, timestep, x, st, rng, s.Stochastic()); err != nil {
		return tensor.Tensor{}, st, err
	}
	t, err := s.discreteIndex(timestep)
	if err != nil {
		return tensor.Tensor{}, st, err
	}

	a := s.sched.AlphaCumulative(t)
	aPrev := s.alphaPrev(st.plan.prevTimestep(st.index))
	x0, eps := s.predict(pred, x, a)

	var variance float64
	if a < 1 {
		variance = (1 - aPrev) / (1 - a) * (1 - a/aPrev)
	}
	std := s.cfg.Eta * math.Sqrt(variance)
	dir := math.Sqrt(max(1-aPrev-std*std, 0))

	terms := []tensor.Term{tensor.T(math.Sqrt(aPrev), x0), tensor.T(dir, eps)}
	if std > 0 {
		terms = append(terms, tensor.T(std, tensor.Randn(rng, x.Shape()...)))
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
