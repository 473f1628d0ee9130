package scheduler

import (
	"github.com/23skdu/longbow-diffusion/internal/tensor"
)

// Phase tracks where a multistep variant is in its warm-up.
type Phase int

const (
	// PhaseSingle is used by variants without history.
	PhaseSingle Phase = iota
	// PhaseWarmup means fewer predictions are retained than the order needs.
	PhaseWarmup
	// PhaseMultistep means the full order is available.
	PhaseMultistep
)

func (p Phase) String() string {
	switch p {
	case PhaseWarmup:
		return "warmup"
	case PhaseMultistep:
		return "multistep"
	default:
		return "single"
	}
}

// State is the per-run data threaded through Step. It is a value: Step
// returns a successor and never modifies its argument, and history tensors
// are never written after being retained, so any State doubles as a snapshot
// of the run at that step.
//
// A State must only be advanced by the run that created it.
type State struct {
	plan           *Plan
	index          int
	history        History
	phase          Phase
	lowerOrderNums int
}

func newState(plan *Plan, historyCap int, phase Phase) State {
	return State{plan: plan, history: NewHistory(historyCap), phase: phase}
}

func (s State) Plan() *Plan  { return s.plan }
func (s State) Index() int   { return s.index }
func (s State) Phase() Phase { return s.phase }

// HistoryLen is the number of retained predictions or derivatives.
func (s State) HistoryLen() int { return s.history.Len() }

func (s State) Valid() bool { return s.plan != nil }

// Done reports whether every planned step has been taken.
func (s State) Done() bool {
	return s.plan == nil || s.index >= len(s.plan.Timesteps)
}

// Timestep returns the timestep of the next step.
func (s State) Timestep() (float64, bool) {
	if s.Done() {
		return 0, false
	}
	return s.plan.Timesteps[s.index], true
}

// Sigma returns the sigma of the next step, for sigma-parameterised plans.
func (s State) Sigma() (float64, bool) {
	if s.Done() || len(s.plan.Sigmas) <= s.index {
		return 0, false
	}
	return s.plan.Sigmas[s.index], true
}

func (s State) advance(h History, phase Phase) State {
	next := s
	next.index++
	next.history = h
	next.phase = phase
	return next
}

// History is a bounded, copy-on-push buffer of tensors, newest last.
type History struct {
	items []tensor.Tensor
	cap   int
}

func NewHistory(capacity int) History {
	return History{cap: capacity}
}

// Push returns a new History with t appended, dropping the oldest entry when
// full. The receiver is unchanged.
func (h History) Push(t tensor.Tensor) History {
	if h.cap <= 0 {
		return h
	}
	keep := min(len(h.items), h.cap-1)
	items := make([]tensor.Tensor, 0, keep+1)
	items = append(items, h.items[len(h.items)-keep:]...)
	items = append(items, t)
	return History{items: items, cap: h.cap}
}

func (h History) Len() int { return len(h.items) }
func (h History) Cap() int { return h.cap }

// Last returns the k-th most recent entry; Last(0) is the newest.
func (h History) Last(k int) tensor.Tensor {
	return h.items[len(h.items)-1-k]
}
