package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logsFlags struct {
	clientConfig
	limit int
	raw   bool
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the audit log, newest first",
	Args:  cobra.NoArgs,
	RunE:  runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)

	addClientFlags(logsCmd, &logsFlags.clientConfig)
	logsCmd.Flags().IntVarP(&logsFlags.limit, "limit", "n", 100, "number of entries to show")
	logsCmd.Flags().BoolVar(&logsFlags.raw, "json", false, "print entries as JSON")
}

func runLogs(cmd *cobra.Command, args []string) error {
	c, err := logsFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := logsFlags.context()
	defer cancel()

	resp, err := c.ListLogs(ctx, logsFlags.limit)
	if err != nil {
		return err
	}
	if logsFlags.raw {
		return printJSON(cmd, resp)
	}

	out := cmd.OutOrStdout()
	if len(resp.Entries) == 0 {
		fmt.Fprintln(out, "No audit entries.")
		return nil
	}
	fmt.Fprintf(out, "%-19s  %-26s  %s\n", "TIME", "EVENT", "DETAILS")
	for _, e := range resp.Entries {
		fmt.Fprintf(out, "%-19s  %-26s  %s\n", localTime(e.Timestamp), e.EventType, string(e.Details))
	}
	return nil
}
