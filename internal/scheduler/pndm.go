package scheduler

import (
	"math"

	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/metrics"
	"github.com/23skdu/longbow-diffusion/internal/tensor"
)

func init() {
	Register(KindPNDM, newPNDM)
}

const pndmOrder = 4

// Adams-Bashforth weights indexed by available history, newest first.
var plmsWeights = [pndmOrder][]float64{
	{1},
	{3.0 / 2, -1.0 / 2},
	{23.0 / 12, -16.0 / 12, 5.0 / 12},
	{55.0 / 24, -59.0 / 24, 37.0 / 24, -9.0 / 24},
}

// pndm runs the pseudo linear multistep update. Until four noise estimates
// are retained it uses the lower-order Adams-Bashforth formulas, so a run of
// N steps makes exactly N model calls.
type pndm struct {
	base
}

func newPNDM(cfg config.SchedulerConfig) (Algorithm, error) {
	b, err := newBase(KindPNDM, cfg)
	if err != nil {
		return nil, err
	}
	return &pndm{base: b}, nil
}

func (s *pndm) Order() int       { return pndmOrder }
func (s *pndm) Stochastic() bool { return false }

func (s *pndm) Plan(steps int) (*Plan, error) { return s.discretePlan(steps) }

func (s *pndm) InitState(plan *Plan) State { return newState(plan, pndmOrder, PhaseWarmup) }

func (s *pndm) Step(pred tensor.Tensor, timestep float64, x tensor.Tensor, st State, rng tensor.RandomSource) (tensor.Tensor, State, error) {
	if err := s.check(pred, timestep, x, st, rng, false); err != nil {
		return tensor.Tensor{}, st, err
	}
	t, err := s.discreteIndex(timestep)
	if err != nil {
		return tensor.Tensor{}, st, err
	}

	a := s.sched.AlphaCumulative(t)
	aPrev := s.alphaPrev(st.plan.prevTimestep(st.index))
	x0, eps := s.predict(pred, x, a)
	eps = s.consistentEps(x, x0, eps, a)

	h := st.history.Push(eps)
	weights := plmsWeights[h.Len()-1]
	terms := make([]tensor.Term, len(weights))
	for k, w := range weights {
		terms[k] = tensor.T(w, h.Last(k))
	}
	e := tensor.MustCombine(terms...)

	phase := PhaseMultistep
	if h.Len() < pndmOrder {
		phase = PhaseWarmup
		metrics.RecordWarmupStep(s.kind.String())
	}

	// transfer from t to prev along the DDIM path; at ᾱ = 1 both ends
	// coincide and the transfer is the identity
	coefX, coefE := 1.0, 0.0
	if a < 1 {
		coefX = math.Sqrt(aPrev / a)
		denom := a*math.Sqrt(1-aPrev) + math.Sqrt(a*(1-a)*aPrev)
		coefE = -(aPrev - a) / denom
	}
	out, err := tensor.Combine(tensor.T(coefX, x), tensor.T(coefE, e))
	if err != nil {
		return tensor.Tensor{}, st, err
	}
	if err := s.finish(out); err != nil {
		return tensor.Tensor{}, st, err
	}
	return out, st.advance(h, phase), nil
}
