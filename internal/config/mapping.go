package config

import (
	"fmt"
	"maps"
	"math"
	"reflect"

	"github.com/mitchellh/mapstructure"

	"github.com/23skdu/longbow-diffusion/internal/errs"
)

// FromMap decodes a flat key/value configuration on top of Default().
// Unrecognised keys are kept in Extra. The result is normalised and validated.
func FromMap(m map[string]any) (SchedulerConfig, error) {
	cfg := Default()

	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		Metadata:         &md,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		DecodeHook:       wholeNumberHook,
	})
	if err != nil {
		return SchedulerConfig{}, errs.Config("build decoder: %v", err)
	}
	if err := dec.Decode(m); err != nil {
		return SchedulerConfig{}, errs.Config("decode: %v", err)
	}

	if len(md.Unused) > 0 {
		cfg.Extra = make(map[string]any, len(md.Unused))
		for _, k := range md.Unused {
			cfg.Extra[k] = m[k]
		}
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return SchedulerConfig{}, err
	}
	return cfg, nil
}

// wholeNumberHook refuses to truncate a fractional float into an integer
// field.
func wholeNumberHook(from, to reflect.Type, data any) (any, error) {
	switch from.Kind() {
	case reflect.Float32, reflect.Float64:
	default:
		return data, nil
	}
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return data, nil
	}
	f := reflect.ValueOf(data).Float()
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%v is not a whole number", data)
	}
	return data, nil
}

// ToMap flattens the config into the key/value form accepted by FromMap.
// Extra keys are included; recognised keys take precedence on collision.
func (c SchedulerConfig) ToMap() map[string]any {
	m := make(map[string]any, 20+len(c.Extra))
	maps.Copy(m, c.Extra)

	m["num_train_timesteps"] = c.NumTrainTimesteps
	m["beta_start"] = c.BetaStart
	m["beta_end"] = c.BetaEnd
	m["beta_schedule"] = string(c.BetaSchedule)
	m["clip_sample"] = c.ClipSample
	m["clip_sample_range"] = c.ClipSampleRange
	m["prediction_type"] = string(c.PredictionType)
	m["solver_order"] = c.SolverOrder
	m["steps_offset"] = c.StepsOffset
	m["timestep_spacing"] = string(c.TimestepSpacing)
	m["set_alpha_to_one"] = c.SetAlphaToOne
	m["eta"] = c.Eta
	m["variance_type"] = string(c.VarianceType)
	m["algorithm_type"] = string(c.AlgorithmType)
	m["solver_type"] = string(c.SolverType)
	m["lower_order_final"] = c.LowerOrderFinal
	m["final_sigmas_type"] = string(c.FinalSigmasType)
	m["use_karras_sigmas"] = c.UseKarrasSigmas
	return m
}

// Clone returns a copy that shares no mutable state with c.
func (c SchedulerConfig) Clone() SchedulerConfig {
	out := c
	if c.Extra != nil {
		out.Extra = maps.Clone(c.Extra)
	}
	return out
}
