package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-diffusion/internal/scheduler"
	"github.com/23skdu/longbow-diffusion/internal/session"
	"github.com/23skdu/longbow-diffusion/internal/toymodel"
)

func newCompareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Run several schedulers from the same noise and compare the results",
		Args:  cobra.NoArgs,
		RunE:  compareHandler,
	}
	addSchedulerFlags(cmd)
	addRunFlags(cmd)
	cmd.Flags().StringSlice("schedulers", nil, "Schedulers to compare (default all)")
	return cmd
}

func compareHandler(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	names, _ := cmd.Flags().GetStringSlice("schedulers")
	kinds := scheduler.Kinds()
	if len(names) > 0 {
		kinds = kinds[:0:0]
		for _, name := range names {
			k, err := scheduler.ParseKind(name)
			if err != nil {
				return err
			}
			kinds = append(kinds, k)
		}
	}

	// every variant shares the schedule, so any of them can back the model
	ref, err := scheduler.New(kinds[0], cfg)
	if err != nil {
		return err
	}
	modelSpec, _ := cmd.Flags().GetString("model")
	model, err := toymodel.Parse(modelSpec, ref.Schedule())
	if err != nil {
		return err
	}
	x, noiseSeed, err := initialNoise(cmd)
	if err != nil {
		return err
	}
	steps, _ := cmd.Flags().GetInt("steps")

	results, err := session.Compare(cmd.Context(), cfg, kinds, model, x, steps, noiseSeed)
	if err != nil {
		return err
	}

	var data [][]string
	for _, c := range results {
		row := []string{c.Kind.String(), c.Kind.ClassName(), "", "", "", ""}
		if c.Result != nil {
			row[2] = fmt.Sprint(c.Result.Calls)
			row[5] = c.Result.Duration.Round(time.Microsecond).String()
		}
		if c.Err != nil {
			row[3] = "error: " + firstLine(c.Err.Error())
		} else {
			row[3] = fmt.Sprintf("%.6f", c.Mean)
			row[4] = fmt.Sprintf("%.6f", c.Std)
		}
		data = append(data, row)
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"SCHEDULER", "CLASS", "CALLS", "MEAN", "STD", "DURATION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
