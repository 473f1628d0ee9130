// Package scheduler implements the family of diffusion step algorithms.
//
// Every variant is built from the same config.SchedulerConfig and exposes the
// same Algorithm interface, so variants are interchangeable between runs.
// Per-run mutable data lives in a State value that Step consumes and returns;
// an Algorithm itself is immutable and safe to share across goroutines.
//
//	alg, _ := scheduler.New(scheduler.KindDDIM, config.Default())
//	plan, _ := alg.Plan(20)
//	st := alg.InitState(plan)
//	for !st.Done() {
//		t, _ := st.Timestep()
//		eps := model(alg.ScaleModelInput(x, st), t)
//		x, st, err = alg.Step(eps, t, x, st, nil)
//	}
package scheduler

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/errs"
	"github.com/23skdu/longbow-diffusion/internal/noise"
	"github.com/23skdu/longbow-diffusion/internal/tensor"
)

type Kind int

const (
	KindDDPM Kind = iota + 1
	KindDDIM
	KindPNDM
	KindLMS
	KindEuler
	KindEulerAncestral
	KindDPMSolverMultistep
)

var kindNames = map[Kind]string{
	KindDDPM:               "ddpm",
	KindDDIM:               "ddim",
	KindPNDM:               "pndm",
	KindLMS:                "lms",
	KindEuler:              "euler",
	KindEulerAncestral:     "euler_ancestral",
	KindDPMSolverMultistep: "dpmsolver_multistep",
}

// classNames are the identifiers other toolkits write under "_class_name".
var classNames = map[Kind]string{
	KindDDPM:               "DDPMScheduler",
	KindDDIM:               "DDIMScheduler",
	KindPNDM:               "PNDMScheduler",
	KindLMS:                "LMSDiscreteScheduler",
	KindEuler:              "EulerDiscreteScheduler",
	KindEulerAncestral:     "EulerAncestralDiscreteScheduler",
	KindDPMSolverMultistep: "DPMSolverMultistepScheduler",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) ClassName() string {
	return classNames[k]
}

// ParseKind accepts the short names ("euler_ancestral", "euler-ancestral")
// and the class names ("EulerAncestralDiscreteScheduler"), case-insensitively.
func ParseKind(s string) (Kind, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for k, name := range kindNames {
		if norm == name || norm == strings.ToLower(classNames[k]) {
			return k, nil
		}
	}
	return 0, errs.Config("unknown scheduler %q", s)
}

// Algorithm is one step-update scheme.
type Algorithm interface {
	Kind() Kind
	// Config returns a copy of the construction config.
	Config() config.SchedulerConfig
	Schedule() *noise.Schedule
	// Order is the highest multistep order the variant uses.
	Order() int
	// Stochastic variants require a non-nil random source in Step.
	Stochastic() bool

	// Plan derives the timesteps (and sigmas) for a run of the given length.
	Plan(steps int) (*Plan, error)
	InitState(plan *Plan) State
	// ScaleModelInput returns the tensor to hand to the model at the current
	// step. Sigma-parameterised variants divide by √(σ²+1).
	ScaleModelInput(x tensor.Tensor, st State) tensor.Tensor
	// Step consumes the model prediction for timestep and returns the next
	// sample and the successor state. st itself is left unchanged.
	Step(pred tensor.Tensor, timestep float64, x tensor.Tensor, st State, rng tensor.RandomSource) (tensor.Tensor, State, error)
}

// Plan is the immutable per-run schedule.
type Plan struct {
	// Timesteps has one entry per model evaluation.
	Timesteps []float64
	// Sigmas has len(Timesteps)+1 entries, the last being the terminal sigma.
	Sigmas []float64
	// InitNoiseSigma scales unit-variance starting noise.
	InitNoiseSigma float64
}

func (p *Plan) Len() int { return len(p.Timesteps) }

// prevTimestep is the timestep the update at step i lands on, or -1 past the
// last entry.
func (p *Plan) prevTimestep(i int) float64 {
	if i+1 < len(p.Timesteps) {
		return p.Timesteps[i+1]
	}
	return -1
}

type Constructor func(cfg config.SchedulerConfig) (Algorithm, error)

var (
	registryMu sync.RWMutex
	registry   = map[Kind]Constructor{}
)

// Register binds a constructor to a kind. Variants register themselves from
// init; registering a kind twice panics.
func Register(k Kind, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[k]; dup {
		panic(fmt.Sprintf("scheduler: %s registered twice", k))
	}
	registry[k] = ctor
}

// New normalises and validates cfg, then constructs the variant.
func New(k Kind, cfg config.SchedulerConfig) (Algorithm, error) {
	registryMu.RLock()
	ctor, ok := registry[k]
	registryMu.RUnlock()
	if !ok {
		return nil, errs.Config("no scheduler registered for %s", k)
	}

	cfg = cfg.Clone()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return ctor(cfg)
}

// Kinds lists registered variants in declaration order.
func Kinds() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Kind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
