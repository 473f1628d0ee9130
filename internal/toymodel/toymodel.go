// Package toymodel provides closed-form noise predictors for exercising the
// schedulers without a trained network.
package toymodel

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-diffusion/internal/errs"
	"github.com/23skdu/longbow-diffusion/internal/noise"
	"github.com/23skdu/longbow-diffusion/internal/tensor"
)

// Func has the signature the session runner expects of a model.
type Func = func(ctx context.Context, x tensor.Tensor, timestep float64) (tensor.Tensor, error)

// Zero predicts no noise at every step.
func Zero() Func {
	return func(_ context.Context, x tensor.Tensor, _ float64) (tensor.Tensor, error) {
		return tensor.New(x.Shape()...), nil
	}
}

// Constant predicts c·x.
func Constant(c float64) Func {
	return func(_ context.Context, x tensor.Tensor, _ float64) (tensor.Tensor, error) {
		return x.Scale(c), nil
	}
}

// Gaussian is the exact noise predictor for data drawn from N(0, std²). For
// x_t = √ᾱ·x0 + √(1-ᾱ)·ε the posterior mean of ε is
//
//	√(1-ᾱ)·x_t / (ᾱ·std² + 1 - ᾱ)
//
// Sampling with it should therefore produce samples whose spread approaches
// std as the step count grows.
func Gaussian(sched *noise.Schedule, std float64) Func {
	return func(ctx context.Context, x tensor.Tensor, timestep float64) (tensor.Tensor, error) {
		if err := ctx.Err(); err != nil {
			return tensor.Tensor{}, err
		}
		a := sched.InterpAlphaCumulative(timestep)
		c := math.Sqrt(1-a) / (a*std*std + 1 - a)
		return x.Scale(c), nil
	}
}

// Parse resolves a model spec: "zero", "const:<c>" or "gaussian:<std>".
func Parse(spec string, sched *noise.Schedule) (Func, error) {
	name, arg, hasArg := strings.Cut(strings.ToLower(strings.TrimSpace(spec)), ":")
	value := func(def float64) (float64, error) {
		if !hasArg {
			return def, nil
		}
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return 0, errs.Config("model %q: invalid parameter %q", spec, arg)
		}
		return v, nil
	}

	switch name {
	case "zero":
		return Zero(), nil
	case "const", "constant":
		c, err := value(0.5)
		if err != nil {
			return nil, err
		}
		return Constant(c), nil
	case "gaussian":
		std, err := value(0.5)
		if err != nil {
			return nil, err
		}
		if !(std > 0) {
			return nil, errs.Config("model %q: std must be positive", spec)
		}
		return Gaussian(sched, std), nil
	default:
		return nil, errs.Config("unknown model %q (want zero, const:<c> or gaussian:<std>)", spec)
	}
}
