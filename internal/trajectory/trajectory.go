// Package trajectory records the per-step samples of a run and exchanges
// them as Arrow record batches.
package trajectory

import (
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/23skdu/longbow-diffusion/internal/errs"
	"github.com/23skdu/longbow-diffusion/internal/session"
)

// Frame is the sample after one step.
type Frame struct {
	Step     int
	Timestep float64
	Sample   []float32
}

type Trajectory struct {
	RunID     string
	Scheduler string
	Shape     []int
	Frames    []Frame
}

// Len is the number of recorded frames.
func (t Trajectory) Len() int { return len(t.Frames) }

// Recorder is a session observer that keeps every n-th frame and always the
// last one.
type Recorder struct {
	mu    sync.Mutex
	every int
	traj  Trajectory
}

func NewRecorder(every int) *Recorder {
	return &Recorder{every: max(every, 1)}
}

// Observe is a session.Observer.
func (r *Recorder) Observe(ev session.StepEvent) error {
	if ev.Step%r.every != 0 && ev.Step != ev.Steps-1 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.traj.RunID == "" {
		r.traj.RunID = ev.RunID
		r.traj.Scheduler = ev.Scheduler.String()
		r.traj.Shape = ev.Sample.Shape()
	}
	r.traj.Frames = append(r.traj.Frames, Frame{
		Step:     ev.Step,
		Timestep: ev.Timestep,
		Sample:   ev.Sample.Data(),
	})
	return nil
}

// Trajectory returns a copy of what has been recorded so far.
func (r *Recorder) Trajectory() Trajectory {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.traj
	out.Shape = slices.Clone(r.traj.Shape)
	out.Frames = slices.Clone(r.traj.Frames)
	return out
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}

func parseShape(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "x")
	out := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil || d <= 0 {
			return nil, errs.Shape("invalid shape metadata %q", s)
		}
		out[i] = d
	}
	return out, nil
}
