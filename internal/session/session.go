// Package session drives a step algorithm through a complete sampling run:
// it owns the random source, calls the model once per planned step and
// reports progress to observers.
package session

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-diffusion/internal/errs"
	"github.com/23skdu/longbow-diffusion/internal/logger"
	"github.com/23skdu/longbow-diffusion/internal/metrics"
	"github.com/23skdu/longbow-diffusion/internal/scheduler"
	"github.com/23skdu/longbow-diffusion/internal/tensor"
)

// ModelFunc predicts for sample x at timestep. Implementations used with
// Compare must be safe for concurrent use.
type ModelFunc func(ctx context.Context, x tensor.Tensor, timestep float64) (tensor.Tensor, error)

// Checkpoint is everything needed to continue a run: the scheduler state and
// the sample it applies to.
type Checkpoint struct {
	State  scheduler.State
	Sample tensor.Tensor
}

// StepEvent is emitted after every completed step.
type StepEvent struct {
	RunID      string
	Scheduler  scheduler.Kind
	Step       int
	Steps      int
	Timestep   float64
	Sample     tensor.Tensor
	Duration   time.Duration
	Checkpoint Checkpoint
}

// Observer receives step events in order. A non-nil error aborts the run.
type Observer func(ev StepEvent) error

type Result struct {
	RunID    string
	Sample   tensor.Tensor
	Calls    int
	Duration time.Duration
	// Final is the last consistent checkpoint. On cancellation it is the
	// point to Resume from.
	Final Checkpoint
}

type Session struct {
	alg       scheduler.Algorithm
	rng       tensor.RandomSource
	observers []Observer
	log       *logger.Logger
	runID     string
}

type Option func(*Session)

func WithRandomSource(rng tensor.RandomSource) Option {
	return func(s *Session) { s.rng = rng }
}

// WithSeed seeds a private math/rand source.
func WithSeed(seed int64) Option {
	return func(s *Session) { s.rng = rand.New(rand.NewSource(seed)) }
}

func WithObserver(o Observer) Option {
	return func(s *Session) { s.observers = append(s.observers, o) }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithRunID fixes the run id. An empty id selects a fresh random one.
func WithRunID(id string) Option {
	return func(s *Session) { s.runID = id }
}

func New(alg scheduler.Algorithm, opts ...Option) *Session {
	s := &Session{alg: alg}
	for _, opt := range opts {
		opt(s)
	}
	if s.runID == "" {
		s.runID = uuid.NewString()
	}
	if s.log == nil {
		s.log = logger.Log
	}
	s.log = s.log.With("run_id", s.runID, "scheduler", alg.Kind().String())
	return s
}

func (s *Session) RunID() string                  { return s.runID }
func (s *Session) Algorithm() scheduler.Algorithm { return s.alg }

// Run samples from initial, which is unit-variance noise; it is scaled by the
// plan's initial noise sigma before the first step. Exactly steps model calls
// are made when the run completes.
func (s *Session) Run(ctx context.Context, model ModelFunc, initial tensor.Tensor, steps int) (*Result, error) {
	if initial.IsZero() {
		metrics.RecordValidationError("run", "shape")
		return nil, errs.Shape("empty initial sample")
	}
	plan, err := s.alg.Plan(steps)
	if err != nil {
		return nil, err
	}
	s.log.Info("Starting run", "steps", plan.Len(), "init_noise_sigma", plan.InitNoiseSigma, "shape", initial.Shape())
	return s.loop(ctx, model, Checkpoint{
		State:  s.alg.InitState(plan),
		Sample: initial.Scale(plan.InitNoiseSigma),
	})
}

// Resume continues from a checkpoint taken by this session or by an observer
// of it. The random source continues from wherever it currently is.
func (s *Session) Resume(ctx context.Context, model ModelFunc, ckpt Checkpoint) (*Result, error) {
	if !ckpt.State.Valid() {
		metrics.RecordValidationError("resume", "state")
		return nil, errs.State("checkpoint has no plan")
	}
	if ckpt.Sample.IsZero() {
		metrics.RecordValidationError("resume", "shape")
		return nil, errs.Shape("checkpoint has no sample")
	}
	s.log.Info("Resuming run", "step", ckpt.State.Index(), "steps", ckpt.State.Plan().Len())
	return s.loop(ctx, model, ckpt)
}

func (s *Session) loop(ctx context.Context, model ModelFunc, ckpt Checkpoint) (res *Result, err error) {
	kind := s.alg.Kind()
	if s.alg.Stochastic() && s.rng == nil {
		metrics.RecordValidationError("run", "state")
		return nil, errs.State("%s is stochastic and needs a random source", kind)
	}

	start := time.Now()
	metrics.RecordRunStarted()
	res = &Result{RunID: s.runID, Final: ckpt}
	defer func() {
		status := "ok"
		switch {
		case err == nil:
		case ctx.Err() != nil:
			status = "cancelled"
		default:
			status = "error"
		}
		res.Duration = time.Since(start)
		metrics.RecordRunFinished(kind.String(), status, res.Duration)
	}()

	x, st := ckpt.Sample, ckpt.State
	steps := st.Plan().Len()
	for !st.Done() {
		if err := ctx.Err(); err != nil {
			s.log.Warn("Run interrupted", "step", st.Index(), "steps", steps)
			return res, err
		}

		t, _ := st.Timestep()
		callStart := time.Now()
		pred, err := model(ctx, s.alg.ScaleModelInput(x, st), t)
		metrics.RecordModelCall(time.Since(callStart))
		res.Calls++
		if err != nil {
			return res, fmt.Errorf("model at step %d (t=%v): %w", st.Index(), t, err)
		}

		stepStart := time.Now()
		next, nextState, err := s.alg.Step(pred, t, x, st, s.rng)
		elapsed := time.Since(stepStart)
		if err != nil {
			s.log.Error("Step failed", err, "step", st.Index(), "timestep", t)
			return res, err
		}
		metrics.RecordStep(kind.String(), elapsed)

		ev := StepEvent{
			RunID:      s.runID,
			Scheduler:  kind,
			Step:       st.Index(),
			Steps:      steps,
			Timestep:   t,
			Sample:     next,
			Duration:   elapsed,
			Checkpoint: Checkpoint{State: nextState, Sample: next},
		}
		x, st = next, nextState
		res.Final = ev.Checkpoint

		if s.log.DebugEnabled() {
			mean, std := x.Stats()
			s.log.Debug("Step", "step", ev.Step, "timestep", t, "phase", st.Phase().String(), "mean", mean, "std", std)
		}
		for _, o := range s.observers {
			if err := o(ev); err != nil {
				return res, fmt.Errorf("observer at step %d: %w", ev.Step, err)
			}
		}
	}

	res.Sample = x
	mean, std := x.Stats()
	s.log.Info("Run complete", "calls", res.Calls, "duration", time.Since(start), "mean", mean, "std", std)
	return res, nil
}
