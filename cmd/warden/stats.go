package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsFlags struct {
	clientConfig
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show scan, quarantine and block list totals",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var limitsFlags struct {
	clientConfig
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show daily quota usage of the external services",
	Args:  cobra.NoArgs,
	RunE:  runLimits,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(limitsCmd)

	addClientFlags(statsCmd, &statsFlags.clientConfig)
	addClientFlags(limitsCmd, &limitsFlags.clientConfig)
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := statsFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := statsFlags.context()
	defer cancel()

	resp, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd, resp)
}

func runLimits(cmd *cobra.Command, args []string) error {
	c, err := limitsFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := limitsFlags.context()
	defer cancel()

	resp, err := c.Limits(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-12s  %5s  %5s  %s\n", "SERVICE", "USED", "LIMIT", "WINDOW START")
	for _, l := range resp.Limits {
		fmt.Fprintf(out, "%-12s  %5d  %5d  %s\n", l.Service, l.Count, l.Limit, localTime(l.WindowStart))
	}
	return nil
}
