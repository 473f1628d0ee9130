package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-diffusion/internal/flightsink"
	"github.com/23skdu/longbow-diffusion/internal/logger"
	"github.com/23skdu/longbow-diffusion/internal/monitoring"
	"github.com/23skdu/longbow-diffusion/internal/scheduler"
	"github.com/23skdu/longbow-diffusion/internal/session"
	"github.com/23skdu/longbow-diffusion/internal/toymodel"
	"github.com/23skdu/longbow-diffusion/internal/trajectory"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sample with one scheduler",
		Args:  cobra.NoArgs,
		RunE:  runHandler,
	}
	addSchedulerFlags(cmd)
	addRunFlags(cmd)
	cmd.Flags().StringP("trajectory", "o", "", "Write the trajectory as an Arrow IPC stream to this file")
	cmd.Flags().Int("every", 1, "Record every n-th step in the trajectory")
	cmd.Flags().String("flight", "", "Publish the trajectory to an Arrow Flight server at host:port")
	cmd.Flags().String("metrics", "", "Serve /metrics and /healthz on this address while running")
	return cmd
}

func runHandler(cmd *cobra.Command, args []string) error {
	kind, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	alg, err := scheduler.New(kind, cfg)
	if err != nil {
		return err
	}

	modelSpec, _ := cmd.Flags().GetString("model")
	model, err := toymodel.Parse(modelSpec, alg.Schedule())
	if err != nil {
		return err
	}
	x, noiseSeed, err := initialNoise(cmd)
	if err != nil {
		return err
	}
	steps, _ := cmd.Flags().GetInt("steps")
	trajPath, _ := cmd.Flags().GetString("trajectory")
	flightAddr, _ := cmd.Flags().GetString("flight")
	every, _ := cmd.Flags().GetInt("every")

	hm := monitoring.NewHealthMonitor()
	if addr, _ := cmd.Flags().GetString("metrics"); addr != "" {
		go func() {
			if err := hm.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Warn("Health monitor stopped", "error", err.Error())
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hm.Stop(ctx)
		}()
	}

	opts := []session.Option{session.WithSeed(noiseSeed)}
	var rec *trajectory.Recorder
	if trajPath != "" || flightAddr != "" {
		rec = trajectory.NewRecorder(every)
		opts = append(opts, session.WithObserver(rec.Observe))
	}
	sess := session.New(alg, opts...)

	hm.RunStarted()
	res, err := sess.Run(cmd.Context(), model, x, steps)
	hm.RunFinished(steps, resultDuration(res), err)
	if err != nil {
		if errors.Is(err, context.Canceled) && res != nil {
			logger.Log.Warn("Run cancelled", "run_id", sess.RunID(), "completed_steps", res.Final.State.Index())
		}
		return err
	}

	mean, std := res.Sample.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s, %d steps in %s, mean %.6f, std %.6f\n",
		res.RunID, kind, res.Calls, res.Duration.Round(time.Microsecond), mean, std)

	if rec == nil {
		return nil
	}
	traj := rec.Trajectory()
	if trajPath != "" {
		if err := trajectory.WriteFile(trajPath, traj); err != nil {
			return err
		}
		logger.Log.Info("Wrote trajectory", "path", trajPath, "frames", traj.Len())
	}
	if flightAddr != "" {
		host, port, err := parseHostPort(flightAddr)
		if err != nil {
			return err
		}
		var pub flightsink.Publisher = flightsink.NewFlightPublisher(host, port)
		if err := pub.Connect(cmd.Context()); err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.Publish(cmd.Context(), traj); err != nil {
			hm.AddAlert("error", "sink", err.Error())
			return err
		}
	}
	return nil
}

func resultDuration(res *session.Result) time.Duration {
	if res == nil {
		return 0
	}
	return res.Duration
}
