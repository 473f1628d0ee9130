package tensor

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-diffusion/internal/errs"
)

func TestFromDataValidatesShape(t *testing.T) {
	if _, err := FromData([]int{2, 2}, []float32{1, 2, 3}); !errors.Is(err, errs.ErrShape) {
		t.Errorf("expected ErrShape for short data, got %v", err)
	}
	if _, err := FromData([]int{0, 3}, nil); !errors.Is(err, errs.ErrShape) {
		t.Errorf("expected ErrShape for zero dim, got %v", err)
	}

	data := []float32{1, 2, 3, 4}
	x, err := FromData([]int{2, 2}, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data[0] = 99
	if x.At(0) != 1 {
		t.Errorf("expected FromData to copy input, got %v", x.At(0))
	}
}

func TestCombine(t *testing.T) {
	a, _ := FromData([]int{3}, []float32{1, 2, 3})
	b, _ := FromData([]int{3}, []float32{10, 20, 30})

	got, err := Combine(T(2, a), T(-0.5, b))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float32{-3, -6, -9}
	for i, w := range want {
		if got.At(i) != w {
			t.Errorf("element %d: expected %v, got %v", i, w, got.At(i))
		}
	}
	if a.At(0) != 1 || b.At(0) != 10 {
		t.Error("expected inputs to be left untouched")
	}
}

func TestCombineShapeMismatch(t *testing.T) {
	a := New(2, 3)
	b := New(3, 2)
	if _, err := Combine(T(1, a), T(0, b)); !errors.Is(err, errs.ErrShape) {
		t.Errorf("expected ErrShape, got %v", err)
	}
	if _, err := Combine(); !errors.Is(err, errs.ErrShape) {
		t.Errorf("expected ErrShape for empty combination, got %v", err)
	}
}

func TestClamp(t *testing.T) {
	x, _ := FromData([]int{4}, []float32{-3, -0.5, 0.5, 7})
	c := x.Clamp(-1, 1)
	want := []float32{-1, -0.5, 0.5, 1}
	for i, w := range want {
		if c.At(i) != w {
			t.Errorf("element %d: expected %v, got %v", i, w, c.At(i))
		}
	}
}

func TestNonFinite(t *testing.T) {
	x, _ := FromData([]int{5}, []float32{
		1, float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1)), float32(math.NaN()),
	})
	nan, inf := x.NonFinite()
	if nan != 2 || inf != 2 {
		t.Errorf("expected 2 NaN and 2 Inf, got %d and %d", nan, inf)
	}
}

func TestRandnDeterministic(t *testing.T) {
	a := Randn(rand.New(rand.NewSource(7)), 2, 8)
	b := Randn(rand.New(rand.NewSource(7)), 2, 8)
	c := Randn(rand.New(rand.NewSource(8)), 2, 8)

	if d, _ := MaxAbsDiff(a, b); d != 0 {
		t.Errorf("expected identical draws for same seed, diff %v", d)
	}
	if d, _ := MaxAbsDiff(a, c); d == 0 {
		t.Error("expected different draws for different seeds")
	}
}

func TestStats(t *testing.T) {
	x, _ := FromData([]int{4}, []float32{1, 1, 3, 3})
	mean, std := x.Stats()
	if mean != 2 || std != 1 {
		t.Errorf("expected mean 2 std 1, got %v %v", mean, std)
	}
}

func TestNewPanicsOnBadShape(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for zero dimension")
		}
	}()
	New(3, 0)
}
