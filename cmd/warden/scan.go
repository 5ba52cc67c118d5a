package main

import (
	"github.com/spf13/cobra"
)

var scanFlags struct {
	clientConfig
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the public tree now",
	Long: `Scan the public directory for malware and quarantine every detection.
The command waits for the scan to finish and prints its result.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	addClientFlags(scanCmd, &scanFlags.clientConfig)
}

func runScan(cmd *cobra.Command, args []string) error {
	c, err := scanFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := scanFlags.context()
	defer cancel()

	resp, err := c.Scan(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd, resp)
}
