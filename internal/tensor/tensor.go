// Package tensor holds the sample payload the schedulers operate on.
//
// A Tensor is opaque to the schedulers: they only form scalar-weighted linear
// combinations, clamp, and audit for non-finite values. Data is stored as
// float32; combinations accumulate in float64. Every operation allocates a new
// Tensor, so a value handed out is never mutated afterwards.
package tensor

import (
	"fmt"
	"math"
	"slices"

	"github.com/23skdu/longbow-diffusion/internal/errs"
)

type Tensor struct {
	shape []int
	data  []float32
}

// RandomSource is the explicit noise handle threaded into stochastic steps.
// *rand.Rand satisfies it.
type RandomSource interface {
	NormFloat64() float64
}

// New returns a zero tensor with the given shape. It panics on a non-positive
// dimension, like make does on a negative length.
func New(shape ...int) Tensor {
	n := numel(shape)
	if n <= 0 {
		panic(fmt.Sprintf("tensor: invalid shape %v", shape))
	}
	return Tensor{shape: slices.Clone(shape), data: make([]float32, n)}
}

// FromData wraps a copy of data.
func FromData(shape []int, data []float32) (Tensor, error) {
	n := numel(shape)
	if n <= 0 {
		return Tensor{}, errs.Shape("invalid shape %v", shape)
	}
	if n != len(data) {
		return Tensor{}, errs.Shape("shape %v needs %d values, got %d", shape, n, len(data))
	}
	return Tensor{shape: slices.Clone(shape), data: slices.Clone(data)}, nil
}

// Full returns a tensor with every element set to v.
func Full(v float32, shape ...int) Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// Randn fills a new tensor with standard normal draws from rng, in element
// order.
func Randn(rng RandomSource, shape ...int) Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64())
	}
	return t
}

func (t Tensor) Shape() []int { return slices.Clone(t.shape) }
func (t Tensor) Len() int     { return len(t.data) }
func (t Tensor) IsZero() bool { return t.data == nil }

// Data returns a copy of the elements.
func (t Tensor) Data() []float32 { return slices.Clone(t.data) }

// At returns element i of the flattened data.
func (t Tensor) At(i int) float32 { return t.data[i] }

func (t Tensor) SameShape(o Tensor) bool {
	return slices.Equal(t.shape, o.shape)
}

func (t Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

// Term is one coefficient-tensor pair of a linear combination.
type Term struct {
	Coef float64
	T    Tensor
}

// T is shorthand for building a Term.
func T(coef float64, t Tensor) Term { return Term{Coef: coef, T: t} }

// Combine returns Σ coef_i·t_i. All tensors must share the first term's
// shape; terms with a zero coefficient still participate in the shape check.
func Combine(terms ...Term) (Tensor, error) {
	if len(terms) == 0 {
		return Tensor{}, errs.Shape("empty linear combination")
	}
	ref := terms[0].T
	for i, tm := range terms[1:] {
		if !ref.SameShape(tm.T) {
			return Tensor{}, errs.Shape("term %d has shape %v, want %v", i+1, tm.T.shape, ref.shape)
		}
	}

	out := Tensor{shape: slices.Clone(ref.shape), data: make([]float32, len(ref.data))}
	for i := range out.data {
		var acc float64
		for _, tm := range terms {
			if tm.Coef == 0 {
				continue
			}
			acc += tm.Coef * float64(tm.T.data[i])
		}
		out.data[i] = float32(acc)
	}
	return out, nil
}

// MustCombine is Combine for callers that have already checked shapes.
func MustCombine(terms ...Term) Tensor {
	out, err := Combine(terms...)
	if err != nil {
		panic(err)
	}
	return out
}

func (t Tensor) Scale(c float64) Tensor {
	return MustCombine(T(c, t))
}

// Clamp limits every element to [lo, hi]. NaN stays NaN.
func (t Tensor) Clamp(lo, hi float32) Tensor {
	out := Tensor{shape: slices.Clone(t.shape), data: make([]float32, len(t.data))}
	for i, v := range t.data {
		switch {
		case v < lo:
			out.data[i] = lo
		case v > hi:
			out.data[i] = hi
		default:
			out.data[i] = v
		}
	}
	return out
}

// NonFinite counts NaN and Inf elements.
func (t Tensor) NonFinite() (nanCount, infCount int) {
	for _, v := range t.data {
		f := float64(v)
		if math.IsNaN(f) {
			nanCount++
		} else if math.IsInf(f, 0) {
			infCount++
		}
	}
	return nanCount, infCount
}

// Stats returns mean and population standard deviation.
func (t Tensor) Stats() (mean, std float64) {
	if len(t.data) == 0 {
		return 0, 0
	}
	for _, v := range t.data {
		mean += float64(v)
	}
	mean /= float64(len(t.data))
	for _, v := range t.data {
		d := float64(v) - mean
		std += d * d
	}
	return mean, math.Sqrt(std / float64(len(t.data)))
}

// MaxAbsDiff is the L∞ distance between two same-shaped tensors.
func MaxAbsDiff(a, b Tensor) (float64, error) {
	if !a.SameShape(b) {
		return 0, errs.Shape("shape %v vs %v", a.shape, b.shape)
	}
	var m float64
	for i := range a.data {
		d := math.Abs(float64(a.data[i]) - float64(b.data[i]))
		if d > m || math.IsNaN(d) {
			m = d
		}
	}
	return m, nil
}

func numel(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0
		}
		n *= d
	}
	return n
}
