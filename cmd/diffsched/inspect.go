package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/scheduler"
)

func newTimestepsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timesteps",
		Short: "Print the timestep plan of a scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			alg, err := scheduler.New(kind, cfg)
			if err != nil {
				return err
			}
			steps, _ := cmd.Flags().GetInt("steps")
			plan, err := alg.Plan(steps)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"STEP", "TIMESTEP", "SIGMA"})
			table.SetAlignment(tablewriter.ALIGN_RIGHT)
			table.SetBorder(false)
			for i, t := range plan.Timesteps {
				sigma := ""
				if len(plan.Sigmas) > i {
					sigma = strconv.FormatFloat(plan.Sigmas[i], 'f', 6, 64)
				}
				table.Append([]string{strconv.Itoa(i), strconv.FormatFloat(t, 'f', -1, 64), sigma})
			}
			table.Render()
			fmt.Fprintf(cmd.OutOrStdout(), "init_noise_sigma %.6f\n", plan.InitNoiseSigma)
			return nil
		},
	}
	addSchedulerFlags(cmd)
	cmd.Flags().IntP("steps", "n", 50, "Number of inference steps")
	return cmd
}

func newSchedulersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedulers",
		Short: "List available schedulers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var data [][]string
			for _, k := range scheduler.Kinds() {
				alg, err := scheduler.New(k, config.Default())
				if err != nil {
					return err
				}
				data = append(data, []string{k.String(), k.ClassName(), strconv.Itoa(alg.Order()), strconv.FormatBool(alg.Stochastic())})
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"NAME", "CLASS", "ORDER", "STOCHASTIC"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)
			table.AppendBulk(data)
			table.Render()
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective scheduler config as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			alg, err := scheduler.New(kind, cfg)
			if err != nil {
				return err
			}
			if to, _ := cmd.Flags().GetString("as"); to != "" {
				target, err := scheduler.ParseKind(to)
				if err != nil {
					return err
				}
				if alg, err = scheduler.Convert(alg, target); err != nil {
					return err
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(scheduler.ConfigOf(alg))
		},
	}
	addSchedulerFlags(cmd)
	cmd.Flags().String("as", "", "Convert to another scheduler before printing")
	return cmd
}
