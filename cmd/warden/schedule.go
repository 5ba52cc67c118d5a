package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var scheduleFlags struct {
	clientConfig
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show the periodic tasks",
	Args:  cobra.NoArgs,
	RunE:  runSchedule,
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a periodic task now",
	Long: `Run a periodic task immediately and wait for it to finish. Nothing
happens if the task is already running.`,
	Args: cobra.ExactArgs(1),
	RunE: runScheduleRun,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleRunCmd)

	bindClientFlags(scheduleCmd.PersistentFlags(), &scheduleFlags.clientConfig)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	c, err := scheduleFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := scheduleFlags.context()
	defer cancel()

	resp, err := c.Schedule(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-14s  %-10s  %-19s  %-19s  %s\n", "TASK", "INTERVAL", "LAST RUN", "NEXT RUN", "LAST ERROR")
	for _, t := range resp.Tasks {
		last, next := "-", "-"
		if t.LastRun != nil {
			last = localTime(*t.LastRun)
		}
		if t.NextRun != nil {
			next = localTime(*t.NextRun)
		}
		if t.Running {
			next = "running"
		}
		fmt.Fprintf(out, "%-14s  %-10s  %-19s  %-19s  %s\n", t.Name, t.Interval, last, next, t.LastError)
	}
	return nil
}

func runScheduleRun(cmd *cobra.Command, args []string) error {
	c, err := scheduleFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := scheduleFlags.context()
	defer cancel()

	resp, err := c.RunTask(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, resp)
}
