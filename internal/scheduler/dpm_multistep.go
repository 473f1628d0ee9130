package scheduler

import (
	"math"

	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/logger"
	"github.com/23skdu/longbow-diffusion/internal/metrics"
	"github.com/23skdu/longbow-diffusion/internal/noise"
	"github.com/23skdu/longbow-diffusion/internal/tensor"
)

func init() {
	Register(KindDPMSolverMultistep, newDPMSolverMultistep)
}

const (
	maxDPMOrder = 3
	// below this many steps the final steps drop to lower order when
	// lower_order_final is set
	lowerOrderStepsThreshold = 15
)

// dpmMultistep is the multistep DPM-Solver. In dpmsolver++ mode the history
// holds data (x0) predictions, in dpmsolver mode noise predictions. Updates
// are exact in the log-SNR variable λ = log(α/σ).
type dpmMultistep struct {
	base
	order int
}

func newDPMSolverMultistep(cfg config.SchedulerConfig) (Algorithm, error) {
	b, err := newBase(KindDPMSolverMultistep, cfg)
	if err != nil {
		return nil, err
	}
	order := cfg.SolverOrder
	if order > maxDPMOrder {
		logger.Log.Warn("Clamping DPM-Solver order", "requested", order, "order", maxDPMOrder)
		order = maxDPMOrder
	}
	return &dpmMultistep{base: b, order: order}, nil
}

func (s *dpmMultistep) Order() int       { return s.order }
func (s *dpmMultistep) Stochastic() bool { return false }

func (s *dpmMultistep) Plan(steps int) (*Plan, error) {
	plan, err := s.discretePlan(steps)
	if err != nil {
		return nil, err
	}

	sigmas := make([]float64, 0, steps+1)
	for _, t := range plan.Timesteps {
		sigmas = append(sigmas, s.sched.InterpSigma(t))
	}
	if s.cfg.UseKarrasSigmas {
		sigmas, plan.Timesteps = s.karras(sigmas)
	}

	final := 0.0
	if s.cfg.FinalSigmasType == config.FinalSigmaMin {
		final = s.sched.Sigma(0)
	}
	plan.Sigmas = append(sigmas, final)
	return plan, nil
}

func (s *dpmMultistep) InitState(plan *Plan) State {
	phase := PhaseWarmup
	if s.order == 1 {
		phase = PhaseSingle
	}
	return newState(plan, s.order, phase)
}

// stepOrder picks the order for step i of n given how many lower-order
// steps have already been taken.
func (s *dpmMultistep) stepOrder(i, n, lowerOrderNums int) int {
	short := s.cfg.LowerOrderFinal && n < lowerOrderStepsThreshold
	lowerFinal := i == n-1 && (s.cfg.FinalSigmasType == config.FinalSigmaZero || short)
	lowerSecond := i == n-2 && short

	switch {
	case s.order == 1 || lowerOrderNums < 1 || lowerFinal:
		return 1
	case s.order == 2 || lowerOrderNums < 2 || lowerSecond:
		return 2
	default:
		return 3
	}
}

func (s *dpmMultistep) Step(pred tensor.Tensor, timestep float64, x tensor.Tensor, st State, rng tensor.RandomSource) (tensor.Tensor, State, error) {
	if err := s.check(pred, timestep, x, st, rng, false); err != nil {
		return tensor.Tensor{}, st, err
	}

	i, n := st.index, st.plan.Len()
	sigmas := st.plan.Sigmas
	alphaS, _ := noise.AlphaSigma(sigmas[i])
	a := alphaS * alphaS

	x0, eps := s.predict(pred, x, a)
	m := x0
	if s.cfg.AlgorithmType == config.AlgorithmDPMSolver {
		m = s.consistentEps(x, x0, eps, a)
	}
	h := st.history.Push(m)

	order := min(s.stepOrder(i, n, st.lowerOrderNums), h.Len())
	if sigmas[i+1] == 0 {
		// λ is infinite at a zero target sigma; only the first-order
		// update has a finite limit there
		order = 1
	}
	if order < s.order {
		metrics.RecordWarmupStep(s.kind.String())
	}

	var coefX float64
	var coefM []float64
	switch order {
	case 1:
		coefX, coefM = s.firstOrder(sigmas[i], sigmas[i+1])
	case 2:
		coefX, coefM = s.secondOrder(sigmas[i+1], sigmas[i], sigmas[i-1])
	default:
		coefX, coefM = s.thirdOrder(sigmas[i+1], sigmas[i], sigmas[i-1], sigmas[i-2])
	}

	terms := make([]tensor.Term, 0, len(coefM)+1)
	terms = append(terms, tensor.T(coefX, x))
	for k, c := range coefM {
		terms = append(terms, tensor.T(c, h.Last(k)))
	}
	out, err := tensor.Combine(terms...)
	if err != nil {
		return tensor.Tensor{}, st, err
	}
	if err := s.finish(out); err != nil {
		return tensor.Tensor{}, st, err
	}

	next := st.advance(h, PhaseSingle)
	next.lowerOrderNums = min(st.lowerOrderNums+1, s.order)
	if s.order > 1 {
		next.phase = PhaseMultistep
		if order < s.order {
			next.phase = PhaseWarmup
		}
	}
	return out, next, nil
}

func lambda(sigma float64) float64 {
	alpha, s := noise.AlphaSigma(sigma)
	return math.Log(alpha) - math.Log(s)
}

// firstOrder returns the coefficients of x and m0. It is the DDIM update.
func (s *dpmMultistep) firstOrder(sigmaS, sigmaT float64) (float64, []float64) {
	if sigmaS == 0 {
		// already clean
		return 1, []float64{0}
	}
	alphaS, sS := noise.AlphaSigma(sigmaS)
	alphaT, sT := noise.AlphaSigma(sigmaT)
	if s.cfg.AlgorithmType == config.AlgorithmDPMSolver {
		// σ_t(e^h - 1) written without e^h, which overflows at σ_t = 0
		return alphaT / alphaS, []float64{-(alphaT*sS/alphaS - sT)}
	}
	h := lambda(sigmaT) - lambda(sigmaS)
	return sT / sS, []float64{-alphaT * math.Expm1(-h)}
}

// secondOrder returns coefficients of x, m0 (at s0) and m1 (at s1).
func (s *dpmMultistep) secondOrder(sigmaT, sigmaS0, sigmaS1 float64) (float64, []float64) {
	alphaS0, sS0 := noise.AlphaSigma(sigmaS0)
	alphaT, sT := noise.AlphaSigma(sigmaT)
	lt, l0, l1 := lambda(sigmaT), lambda(sigmaS0), lambda(sigmaS1)
	h, h0 := lt-l0, l0-l1
	r0 := h0 / h

	// D0 = m0, D1 = (m0 - m1)/r0
	d0 := []float64{1, 0}
	d1 := []float64{1 / r0, -1 / r0}

	var cx, c0, c1 float64
	if s.cfg.AlgorithmType == config.AlgorithmDPMSolver {
		cx = alphaT / alphaS0
		c0 = -sT * math.Expm1(h)
		if s.cfg.SolverType == config.SolverHeun {
			c1 = -sT * (math.Expm1(h)/h - 1)
		} else {
			c1 = -0.5 * sT * math.Expm1(h)
		}
	} else {
		cx = sT / sS0
		c0 = -alphaT * math.Expm1(-h)
		if s.cfg.SolverType == config.SolverHeun {
			c1 = alphaT * (math.Expm1(-h)/h + 1)
		} else {
			c1 = -0.5 * alphaT * math.Expm1(-h)
		}
	}
	return cx, combineCoef(2, []float64{c0, c1}, [][]float64{d0, d1})
}

// thirdOrder returns coefficients of x, m0, m1 and m2.
func (s *dpmMultistep) thirdOrder(sigmaT, sigmaS0, sigmaS1, sigmaS2 float64) (float64, []float64) {
	alphaS0, sS0 := noise.AlphaSigma(sigmaS0)
	alphaT, sT := noise.AlphaSigma(sigmaT)
	lt, l0, l1, l2 := lambda(sigmaT), lambda(sigmaS0), lambda(sigmaS1), lambda(sigmaS2)
	h, h0, h1 := lt-l0, l0-l1, l1-l2
	r0, r1 := h0/h, h1/h

	d10 := []float64{1 / r0, -1 / r0, 0}
	d11 := []float64{0, 1 / r1, -1 / r1}
	d0 := []float64{1, 0, 0}
	d1 := make([]float64, 3)
	d2 := make([]float64, 3)
	for k := range d1 {
		diff := d10[k] - d11[k]
		d1[k] = d10[k] + r0/(r0+r1)*diff
		d2[k] = diff / (r0 + r1)
	}

	var cx, c0, c1, c2 float64
	if s.cfg.AlgorithmType == config.AlgorithmDPMSolver {
		em := math.Expm1(h)
		cx = alphaT / alphaS0
		c0 = -sT * em
		c1 = -sT * (em/h - 1)
		c2 = -sT * ((em-h)/(h*h) - 0.5)
	} else {
		em := math.Expm1(-h)
		cx = sT / sS0
		c0 = -alphaT * em
		c1 = alphaT * (em/h + 1)
		c2 = -alphaT * ((em+h)/(h*h) - 0.5)
	}
	return cx, combineCoef(3, []float64{c0, c1, c2}, [][]float64{d0, d1, d2})
}

// combineCoef expands Σ c_j·D_j where each D_j is itself a weighting of the
// history entries.
func combineCoef(n int, c []float64, d [][]float64) []float64 {
	out := make([]float64, n)
	for j, cj := range c {
		for k := range out {
			out[k] += cj * d[j][k]
		}
	}
	return out
}
