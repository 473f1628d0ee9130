package scheduler

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/errs"
	"github.com/23skdu/longbow-diffusion/internal/logger"
	"github.com/23skdu/longbow-diffusion/internal/metrics"
	"github.com/23skdu/longbow-diffusion/internal/tensor"
)

func init() {
	Register(KindLMS, newLMS)
}

const maxLMSOrder = 4

// lms is the linear multistep method in sigma space. The step weights are
// integrals of the Lagrange basis polynomials over the retained sigmas.
type lms struct {
	base
	order int
}

func newLMS(cfg config.SchedulerConfig) (Algorithm, error) {
	b, err := newBase(KindLMS, cfg)
	if err != nil {
		return nil, err
	}
	order := cfg.SolverOrder
	if order > maxLMSOrder {
		logger.Log.Warn("Clamping LMS order", "requested", order, "order", maxLMSOrder)
		order = maxLMSOrder
	}
	return &lms{base: b, order: order}, nil
}

func (s *lms) Order() int       { return s.order }
func (s *lms) Stochastic() bool { return false }

func (s *lms) Plan(steps int) (*Plan, error) { return s.sigmaPlan(steps) }

func (s *lms) InitState(plan *Plan) State {
	phase := PhaseWarmup
	if s.order == 1 {
		phase = PhaseSingle
	}
	return newState(plan, s.order, phase)
}

func (s *lms) ScaleModelInput(x tensor.Tensor, st State) tensor.Tensor {
	return sigmaInput(x, st)
}

func (s *lms) Step(pred tensor.Tensor, timestep float64, x tensor.Tensor, st State, rng tensor.RandomSource) (tensor.Tensor, State, error) {
	if err := s.check(pred, timestep, x, st, rng, false); err != nil {
		return tensor.Tensor{}, st, err
	}

	i := st.index
	sigma := st.plan.Sigmas[i]
	h := st.history.Push(derivative(x, s.sigmaX0(pred, x, sigma), sigma))

	coeffs, err := LMSCoefficients(st.plan.Sigmas, i, h.Len())
	if err != nil {
		return tensor.Tensor{}, st, err
	}

	terms := make([]tensor.Term, 0, len(coeffs)+1)
	terms = append(terms, tensor.T(1, x))
	for k, c := range coeffs {
		terms = append(terms, tensor.T(c, h.Last(k)))
	}
	out, err := tensor.Combine(terms...)
	if err != nil {
		return tensor.Tensor{}, st, err
	}
	if err := s.finish(out); err != nil {
		return tensor.Tensor{}, st, err
	}

	phase := st.phase
	if s.order > 1 {
		phase = PhaseMultistep
		if h.Len() < s.order {
			phase = PhaseWarmup
			metrics.RecordWarmupStep(s.kind.String())
		}
	}
	return out, st.advance(h, phase), nil
}

// LMSCoefficients returns the weights for the derivatives at sigmas[i],
// sigmas[i-1], ..., sigmas[i-order+1]: the integral over [sigmas[i],
// sigmas[i+1]] of each Lagrange basis polynomial on those nodes.
func LMSCoefficients(sigmas []float64, i, order int) ([]float64, error) {
	if order < 1 || i-order+1 < 0 || i+1 >= len(sigmas) {
		return nil, errs.State("lms: order %d invalid at step %d of %d sigmas", order, i, len(sigmas))
	}
	from, to := sigmas[i], sigmas[i+1]
	if order == 1 {
		return []float64{to - from}, nil
	}

	// Row r evaluates a polynomial at node r; solving V·C = I gives the
	// monomial coefficients of every basis polynomial as columns of C.
	v := mat.NewDense(order, order, nil)
	for r := 0; r < order; r++ {
		node := sigmas[i-r]
		p := 1.0
		for c := 0; c < order; c++ {
			v.Set(r, c, p)
			p *= node
		}
	}
	ones := make([]float64, order)
	for k := range ones {
		ones[k] = 1
	}

	var basis mat.Dense
	if err := basis.Solve(v, mat.NewDiagDense(order, ones)); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return nil, errs.Numeric("lms: singular interpolation system at step %d: %v", i, err)
		}
	}

	out := make([]float64, order)
	for k := range out {
		var integral float64
		for p := 0; p < order; p++ {
			n := float64(p + 1)
			integral += basis.At(p, k) * (math.Pow(to, n) - math.Pow(from, n)) / n
		}
		if math.IsNaN(integral) || math.IsInf(integral, 0) {
			return nil, errs.Numeric("lms: non-finite coefficient at step %d", i)
		}
		out[k] = integral
	}
	return out, nil
}
