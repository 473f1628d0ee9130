// Package timesteps derives the ordered inference timesteps for a requested
// step count, independently of the step algorithm.
//
// Policies:
//
//	leading   ratio = trained/steps (floor), t_i = i·ratio + offset
//	trailing  ratio = trained/steps (real),  t_i = round(trained - i·ratio) - 1
//	linspace  t_i = linspace(0, trained-1, steps), unrounded
//
// Every policy emits a strictly decreasing sequence of length steps within
// [0, trained). Rounding is half away from zero. The offset only shifts the
// leading policy; trailing already ends at trained-1 and linspace spans the
// full range.
package timesteps

import (
	"math"

	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/errs"
)

func Sequence(steps, trained, offset int, spacing config.TimestepSpacing) ([]float64, error) {
	if steps <= 0 {
		return nil, errs.Config("invalid requested steps: %d (must be positive)", steps)
	}
	if trained <= 0 {
		return nil, errs.Config("invalid trained steps: %d (must be positive)", trained)
	}
	if offset < 0 {
		return nil, errs.Config("invalid steps_offset: %d (must be non-negative)", offset)
	}
	if steps > trained {
		return nil, errs.State("requested steps %d exceed trained steps %d", steps, trained)
	}

	out := make([]float64, steps)
	switch spacing {
	case config.SpacingLeading, "":
		ratio := trained / steps
		if top := (steps-1)*ratio + offset; top >= trained {
			return nil, errs.State("steps_offset %d pushes timestep %d past trained range [0, %d)", offset, top, trained)
		}
		for i := range out {
			out[steps-1-i] = float64(i*ratio + offset)
		}
	case config.SpacingTrailing:
		ratio := float64(trained) / float64(steps)
		for i := range out {
			out[i] = math.Round(float64(trained)-float64(i)*ratio) - 1
		}
	case config.SpacingLinspace:
		if steps == 1 {
			out[0] = 0
			break
		}
		step := float64(trained-1) / float64(steps-1)
		for i := range out {
			out[steps-1-i] = float64(i) * step
		}
		// pin the endpoint against accumulated rounding
		out[0] = float64(trained - 1)
	default:
		return nil, errs.Config("unknown timestep_spacing %q", spacing)
	}
	return out, nil
}

// Round maps fractional timesteps onto the integer training grid, for
// algorithms that index the schedule directly.
func Round(ts []float64) []float64 {
	out := make([]float64, len(ts))
	for i, t := range ts {
		out[i] = math.Round(t)
	}
	return out
}

// Index converts an integral timestep to a table index. The second result is
// false when t is not integral.
func Index(t float64) (int, bool) {
	i := int(t)
	return i, float64(i) == t
}
