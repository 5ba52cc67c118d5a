package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var backupFlags struct {
	clientConfig
}

var backupCmd = &cobra.Command{
	Use:   "backup <tier>",
	Short: "Take a snapshot of the public tree",
	Long: `Take an incremental snapshot of the public directory in the given
retention tier. Unchanged files are hard links into the tier's previous
snapshot.`,
	Args: cobra.ExactArgs(1),
	RunE: runBackup,
}

var backupsFlags struct {
	clientConfig
	tier string
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List snapshots",
	Args:  cobra.NoArgs,
	RunE:  runBackups,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(backupsCmd)

	addClientFlags(backupCmd, &backupFlags.clientConfig)
	addClientFlags(backupsCmd, &backupsFlags.clientConfig)
	backupsCmd.Flags().StringVar(&backupsFlags.tier, "tier", "", "only list this tier")
}

func runBackup(cmd *cobra.Command, args []string) error {
	c, err := backupFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := backupFlags.context()
	defer cancel()

	resp, err := c.CreateBackup(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, resp)
}

func runBackups(cmd *cobra.Command, args []string) error {
	c, err := backupsFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := backupsFlags.context()
	defer cancel()

	resp, err := c.ListBackups(ctx, backupsFlags.tier)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Backups) == 0 {
		fmt.Fprintln(out, "No snapshots found.")
		return nil
	}
	fmt.Fprintf(out, "%-6s  %-19s  %s\n", "TIER", "CREATED", "PATH")
	for _, b := range resp.Backups {
		fmt.Fprintf(out, "%-6s  %-19s  %s\n", b.Tier, localTime(b.CreatedAt), b.Path)
	}
	return nil
}
