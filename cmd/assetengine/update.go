package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openlist/assetengine/internal/scheduler"
)

var (
	updateDelaySeconds int
	updateAuto         bool
	updateWait         bool
)

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Control the update cycle",
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start (or shorten) an update cycle",
		Long: `Start an update cycle: diff-eligible assets are patched first, then stale
assets are refetched one by one with a pause between fetches.`,
		Example: `  assetengine update start
  assetengine update start --delay 5 --wait
  assetengine update start --auto`,
		RunE: updateStartRun,
	}
	start.Flags().IntVar(&updateDelaySeconds, "delay", 0, "seconds between fetches (0 keeps the default)")
	start.Flags().BoolVar(&updateAuto, "auto", false, "remote-server-friendly mode (prefer CDN mirrors, no cache-busting)")
	start.Flags().BoolVar(&updateWait, "wait", false, "block until the cycle finishes")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Cancel the next scheduled refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			globalScheduler.UpdateStop()
			fmt.Fprintln(cmd.OutOrStdout(), "update stopped")
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Report whether a cycle is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalScheduler.Status() == scheduler.StatusUpdating {
				fmt.Fprintln(cmd.OutOrStdout(), "updating")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "idle")
			}
			return nil
		},
	}

	cmd.AddCommand(start, stop, status)
	return cmd
}

func updateStartRun(cmd *cobra.Command, args []string) error {
	globalScheduler.UpdateStart(cmd.Context(), scheduler.StartOptions{
		Delay: time.Duration(updateDelaySeconds) * time.Second,
		Auto:  updateAuto,
	})

	if !updateWait {
		fmt.Fprintln(cmd.OutOrStdout(), "update started")
		return nil
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-cmd.Context().Done():
			globalScheduler.UpdateStop()
			return cmd.Context().Err()
		case <-ticker.C:
			if globalScheduler.Status() == scheduler.StatusIdle {
				fmt.Fprintln(cmd.OutOrStdout(), "update finished")
				return nil
			}
		}
	}
}
