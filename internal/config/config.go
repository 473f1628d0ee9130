package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/23skdu/longbow-diffusion/internal/errs"
)

type BetaSchedule string

const (
	BetaLinear       BetaSchedule = "linear"
	BetaScaledLinear BetaSchedule = "scaled_linear"
	BetaSquaredCos   BetaSchedule = "squaredcos_cap_v2"
)

type PredictionType string

const (
	PredictEpsilon PredictionType = "epsilon"
	PredictSample  PredictionType = "sample"
	PredictV       PredictionType = "v_prediction"
)

type TimestepSpacing string

const (
	SpacingLeading  TimestepSpacing = "leading"
	SpacingTrailing TimestepSpacing = "trailing"
	SpacingLinspace TimestepSpacing = "linspace"
)

type VarianceType string

const (
	VarianceFixedSmall VarianceType = "fixed_small"
	VarianceFixedLarge VarianceType = "fixed_large"
)

type AlgorithmType string

const (
	AlgorithmDPMSolverPP AlgorithmType = "dpmsolver++"
	AlgorithmDPMSolver   AlgorithmType = "dpmsolver"
)

type SolverType string

const (
	SolverMidpoint SolverType = "midpoint"
	SolverHeun     SolverType = "heun"
)

type FinalSigmasType string

const (
	FinalSigmaZero FinalSigmasType = "zero"
	FinalSigmaMin  FinalSigmasType = "sigma_min"
)

// SchedulerConfig is shared read-only by the noise schedule and every step
// algorithm. Fields a variant does not use are carried unchanged so the same
// value can construct any other variant.
type SchedulerConfig struct {
	NumTrainTimesteps int             `mapstructure:"num_train_timesteps"`
	BetaStart         float64         `mapstructure:"beta_start"`
	BetaEnd           float64         `mapstructure:"beta_end"`
	BetaSchedule      BetaSchedule    `mapstructure:"beta_schedule"`
	ClipSample        bool            `mapstructure:"clip_sample"`
	ClipSampleRange   float64         `mapstructure:"clip_sample_range"`
	PredictionType    PredictionType  `mapstructure:"prediction_type"`
	SolverOrder       int             `mapstructure:"solver_order"`
	StepsOffset       int             `mapstructure:"steps_offset"`
	TimestepSpacing   TimestepSpacing `mapstructure:"timestep_spacing"`
	SetAlphaToOne     bool            `mapstructure:"set_alpha_to_one"`

	Eta          float64      `mapstructure:"eta"`
	VarianceType VarianceType `mapstructure:"variance_type"`

	AlgorithmType   AlgorithmType   `mapstructure:"algorithm_type"`
	SolverType      SolverType      `mapstructure:"solver_type"`
	LowerOrderFinal bool            `mapstructure:"lower_order_final"`
	FinalSigmasType FinalSigmasType `mapstructure:"final_sigmas_type"`
	UseKarrasSigmas bool            `mapstructure:"use_karras_sigmas"`

	// Extra holds keys no computation recognises. They round-trip through
	// ToMap untouched.
	Extra map[string]any `mapstructure:"-"`
}

// Default returns the Stable Diffusion style configuration.
func Default() SchedulerConfig {
	return SchedulerConfig{
		NumTrainTimesteps: 1000,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		BetaSchedule:      BetaScaledLinear,
		ClipSample:        false,
		ClipSampleRange:   1.0,
		PredictionType:    PredictEpsilon,
		SolverOrder:       2,
		StepsOffset:       0,
		TimestepSpacing:   SpacingLeading,
		SetAlphaToOne:     false,
		Eta:               0,
		VarianceType:      VarianceFixedSmall,
		AlgorithmType:     AlgorithmDPMSolverPP,
		SolverType:        SolverMidpoint,
		LowerOrderFinal:   true,
		FinalSigmasType:   FinalSigmaZero,
		UseKarrasSigmas:   false,
	}
}

func (c *SchedulerConfig) Validate() error {
	if c.NumTrainTimesteps <= 0 {
		return errs.Config("invalid num_train_timesteps: %d (must be positive)", c.NumTrainTimesteps)
	}
	if !finite(c.BetaStart) || !finite(c.BetaEnd) {
		return errs.Config("invalid beta range: [%v, %v] (must be finite)", c.BetaStart, c.BetaEnd)
	}
	if c.BetaStart < 0 {
		return errs.Config("invalid beta_start: %v (must be non-negative)", c.BetaStart)
	}
	if c.BetaStart >= c.BetaEnd {
		return errs.Config("invalid beta range: beta_start %v >= beta_end %v", c.BetaStart, c.BetaEnd)
	}
	if c.BetaEnd >= 1 {
		return errs.Config("invalid beta_end: %v (must be < 1)", c.BetaEnd)
	}
	if c.SolverOrder <= 0 {
		return errs.Config("invalid solver_order: %d (must be positive)", c.SolverOrder)
	}
	if c.StepsOffset < 0 {
		return errs.Config("invalid steps_offset: %d (must be non-negative)", c.StepsOffset)
	}
	if c.ClipSample && !(c.ClipSampleRange > 0) {
		return errs.Config("invalid clip_sample_range: %v (must be positive)", c.ClipSampleRange)
	}
	if c.Eta < 0 || !finite(c.Eta) {
		return errs.Config("invalid eta: %v (must be non-negative)", c.Eta)
	}

	if err := c.validateEnums(); err != nil {
		return err
	}
	return nil
}

func (c *SchedulerConfig) validateEnums() error {
	switch c.BetaSchedule {
	case BetaLinear, BetaScaledLinear, BetaSquaredCos:
	default:
		return errs.Config("unknown beta_schedule %q", c.BetaSchedule)
	}
	switch c.PredictionType {
	case PredictEpsilon, PredictSample, PredictV:
	default:
		return errs.Config("unknown prediction_type %q", c.PredictionType)
	}
	switch c.TimestepSpacing {
	case SpacingLeading, SpacingTrailing, SpacingLinspace:
	default:
		return errs.Config("unknown timestep_spacing %q", c.TimestepSpacing)
	}
	switch c.VarianceType {
	case VarianceFixedSmall, VarianceFixedLarge:
	default:
		return errs.Config("unknown variance_type %q", c.VarianceType)
	}
	switch c.AlgorithmType {
	case AlgorithmDPMSolverPP, AlgorithmDPMSolver:
	default:
		return errs.Config("unknown algorithm_type %q", c.AlgorithmType)
	}
	switch c.SolverType {
	case SolverMidpoint, SolverHeun:
	default:
		return errs.Config("unknown solver_type %q", c.SolverType)
	}
	switch c.FinalSigmasType {
	case FinalSigmaZero, FinalSigmaMin:
	default:
		return errs.Config("unknown final_sigmas_type %q", c.FinalSigmasType)
	}
	return nil
}

// Normalize lower-cases enum values and maps accepted aliases onto their
// canonical names. It is applied by every decode path before Validate.
func (c *SchedulerConfig) Normalize() {
	c.BetaSchedule = BetaSchedule(strings.ToLower(string(c.BetaSchedule)))
	if c.BetaSchedule == "squared_cosine" {
		c.BetaSchedule = BetaSquaredCos
	}
	c.PredictionType = PredictionType(strings.ToLower(string(c.PredictionType)))
	c.TimestepSpacing = TimestepSpacing(strings.ToLower(string(c.TimestepSpacing)))
	c.VarianceType = VarianceType(strings.ToLower(string(c.VarianceType)))
	c.AlgorithmType = AlgorithmType(strings.ToLower(string(c.AlgorithmType)))
	c.SolverType = SolverType(strings.ToLower(string(c.SolverType)))
	c.FinalSigmasType = FinalSigmasType(strings.ToLower(string(c.FinalSigmasType)))
}

func (c SchedulerConfig) String() string {
	return fmt.Sprintf("T=%d beta=[%g,%g] %s pred=%s order=%d spacing=%s offset=%d",
		c.NumTrainTimesteps, c.BetaStart, c.BetaEnd, c.BetaSchedule,
		c.PredictionType, c.SolverOrder, c.TimestepSpacing, c.StepsOffset)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
