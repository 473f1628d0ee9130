package noise

import (
	"errors"
	"math"
	"testing"

	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/errs"
)

func scheduleFor(t *testing.T, kind config.BetaSchedule) *Schedule {
	t.Helper()
	cfg := config.Default()
	cfg.BetaSchedule = kind
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New(%s): %v", kind, err)
	}
	return s
}

func TestAlphaCumulativeMonotone(t *testing.T) {
	for _, kind := range []config.BetaSchedule{config.BetaLinear, config.BetaScaledLinear, config.BetaSquaredCos} {
		t.Run(string(kind), func(t *testing.T) {
			s := scheduleFor(t, kind)
			if s.Len() != 1000 {
				t.Fatalf("expected 1000 entries, got %d", s.Len())
			}
			for i, a := range s.Alphas {
				if !(a > 0 && a <= 1) {
					t.Fatalf("alpha[%d] = %v outside (0,1]", i, a)
				}
			}
			prev := 1.0
			for i, ac := range s.AlphasCumprod {
				if !(ac > 0 && ac <= 1) {
					t.Fatalf("alpha_cumulative[%d] = %v outside (0,1]", i, ac)
				}
				if ac > prev {
					t.Fatalf("alpha_cumulative increases at %d: %v > %v", i, ac, prev)
				}
				prev = ac
			}
		})
	}
}

func TestScaledLinearReference(t *testing.T) {
	s := scheduleFor(t, config.BetaScaledLinear)

	if got := s.AlphaCumulative(0); math.Abs(got-0.99915) > 1e-12 {
		t.Errorf("alpha_cumulative(0): expected 0.99915, got %v", got)
	}
	if got := s.Betas[999]; math.Abs(got-0.012) > 1e-12 {
		t.Errorf("beta[999]: expected 0.012, got %v", got)
	}
	// diffusers StableDiffusion reference: alphas_cumprod[-1] ≈ 0.0047
	if got := s.AlphaCumulative(999); math.Abs(got-0.00466) > 1e-4 {
		t.Errorf("alpha_cumulative(999): expected ~0.00466, got %v", got)
	}
}

func TestLinearEndpoints(t *testing.T) {
	cfg := config.Default()
	cfg.BetaSchedule = config.BetaLinear
	cfg.BetaStart, cfg.BetaEnd = 0.0001, 0.02
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Betas[0] != 0.0001 || math.Abs(s.Betas[999]-0.02) > 1e-15 {
		t.Errorf("unexpected endpoints %v, %v", s.Betas[0], s.Betas[999])
	}
}

func TestNewConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.SchedulerConfig)
	}{
		{"zero steps", func(c *config.SchedulerConfig) { c.NumTrainTimesteps = 0 }},
		{"reversed betas", func(c *config.SchedulerConfig) { c.BetaStart, c.BetaEnd = 0.02, 0.001 }},
		{"equal betas", func(c *config.SchedulerConfig) { c.BetaStart, c.BetaEnd = 0.01, 0.01 }},
		{"beta end one", func(c *config.SchedulerConfig) { c.BetaEnd = 1.5 }},
		{"unknown kind", func(c *config.SchedulerConfig) { c.BetaSchedule = "sigmoid" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			if _, err := New(cfg); !errors.Is(err, errs.ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestAlphaCumulativeAtRange(t *testing.T) {
	s := scheduleFor(t, config.BetaScaledLinear)
	if _, err := s.AlphaCumulativeAt(1000); !errors.Is(err, errs.ErrState) {
		t.Errorf("expected ErrState, got %v", err)
	}
	if _, err := s.AlphaCumulativeAt(-1); !errors.Is(err, errs.ErrState) {
		t.Errorf("expected ErrState, got %v", err)
	}
	if v, err := s.AlphaCumulativeAt(10); err != nil || v != s.AlphaCumulative(10) {
		t.Errorf("expected checked lookup to match, got %v %v", v, err)
	}
}

func TestSigmaInterpolation(t *testing.T) {
	s := scheduleFor(t, config.BetaScaledLinear)

	for _, ts := range []int{0, 1, 250, 999} {
		if got := s.InterpSigma(float64(ts)); got != s.Sigma(ts) {
			t.Errorf("InterpSigma(%d): expected %v, got %v", ts, s.Sigma(ts), got)
		}
	}
	mid := s.InterpSigma(10.5)
	if want := (s.Sigma(10) + s.Sigma(11)) / 2; math.Abs(mid-want) > 1e-12 {
		t.Errorf("InterpSigma(10.5): expected %v, got %v", want, mid)
	}
	if got := s.InterpAlphaCumulative(10); math.Abs(got-s.AlphaCumulative(10)) > 1e-12 {
		t.Errorf("InterpAlphaCumulative(10): expected %v, got %v", s.AlphaCumulative(10), got)
	}
}

func TestSigmaToTimestepInverts(t *testing.T) {
	s := scheduleFor(t, config.BetaScaledLinear)
	for _, ts := range []int{0, 3, 500, 998, 999} {
		got := s.SigmaToTimestep(s.Sigma(ts))
		if math.Abs(got-float64(ts)) > 1e-6 {
			t.Errorf("SigmaToTimestep(sigma(%d)) = %v", ts, got)
		}
	}
	if got := s.SigmaToTimestep(1e6); got != 999 {
		t.Errorf("expected clamp to 999, got %v", got)
	}
	if got := s.SigmaToTimestep(0); got != 0 {
		t.Errorf("expected clamp to 0, got %v", got)
	}
}

func TestKarrasSigmas(t *testing.T) {
	sig := KarrasSigmas(0.03, 14.6, 10, 7)
	if len(sig) != 10 {
		t.Fatalf("expected 10 sigmas, got %d", len(sig))
	}
	if math.Abs(sig[0]-14.6) > 1e-9 || math.Abs(sig[9]-0.03) > 1e-9 {
		t.Errorf("unexpected endpoints %v, %v", sig[0], sig[9])
	}
	for i := 1; i < len(sig); i++ {
		if sig[i] >= sig[i-1] {
			t.Errorf("karras sigmas not decreasing at %d", i)
		}
	}
}

func TestAlphaSigma(t *testing.T) {
	for _, sigma := range []float64{0, 0.1, 1, 14.6} {
		a, st := AlphaSigma(sigma)
		if math.Abs(a*a+st*st-1) > 1e-12 {
			t.Errorf("sigma %v: alpha²+sigma² = %v", sigma, a*a+st*st)
		}
	}
}
