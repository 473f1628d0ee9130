package main

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/errs"
	"github.com/23skdu/longbow-diffusion/internal/scheduler"
	"github.com/23skdu/longbow-diffusion/internal/tensor"
)

func addSchedulerFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("scheduler", "s", "ddim", "Scheduler kind or class name")
	cmd.Flags().StringP("config", "c", "", "HCL scheduler config file")
	cmd.Flags().StringArray("set", nil, "Override a config key (key=value), repeatable")
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("steps", "n", 50, "Number of inference steps")
	cmd.Flags().Int64("seed", 0, "Seed for the initial noise and stochastic steps")
	cmd.Flags().String("shape", "1x4x8x8", "Sample shape, e.g. 1x4x64x64")
	cmd.Flags().StringP("model", "m", "gaussian:0.5", "Toy model: zero, const:<c> or gaussian:<std>")
}

// loadConfig resolves defaults, then the HCL file, then --set overrides.
// An explicit --scheduler wins over the file's block label.
func loadConfig(cmd *cobra.Command) (scheduler.Kind, config.SchedulerConfig, error) {
	name, _ := cmd.Flags().GetString("scheduler")
	path, _ := cmd.Flags().GetString("config")
	sets, _ := cmd.Flags().GetStringArray("set")

	cfg := config.Default()
	if path != "" {
		file, err := config.LoadFile(path)
		if err != nil {
			return 0, config.SchedulerConfig{}, err
		}
		cfg = file.Config
		if !cmd.Flags().Changed("scheduler") {
			name = file.Kind
		}
	}

	kind, err := scheduler.ParseKind(name)
	if err != nil {
		return 0, config.SchedulerConfig{}, err
	}

	if len(sets) > 0 {
		m := cfg.ToMap()
		for _, kv := range sets {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || strings.TrimSpace(k) == "" {
				return 0, config.SchedulerConfig{}, errs.Config("invalid --set %q (want key=value)", kv)
			}
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		if cfg, err = config.FromMap(m); err != nil {
			return 0, config.SchedulerConfig{}, err
		}
	}
	return kind, cfg, nil
}

func parseShape(s string) ([]int, error) {
	parts := strings.Split(strings.ToLower(s), "x")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || d <= 0 {
			return nil, errs.Shape("invalid shape %q", s)
		}
		shape[i] = d
	}
	return shape, nil
}

// initialNoise draws the starting sample from its own seeded source so that
// the step noise stream is the same for every scheduler.
func initialNoise(cmd *cobra.Command) (tensor.Tensor, int64, error) {
	shapeStr, _ := cmd.Flags().GetString("shape")
	seed, _ := cmd.Flags().GetInt64("seed")
	shape, err := parseShape(shapeStr)
	if err != nil {
		return tensor.Tensor{}, 0, err
	}
	return tensor.Randn(rand.New(rand.NewSource(seed)), shape...), seed + 1, nil
}

func parseHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid flight address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid flight port %q: %w", portStr, err)
	}
	return host, port, nil
}
