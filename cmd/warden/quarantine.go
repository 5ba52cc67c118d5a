package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var quarantineFlags struct {
	clientConfig
}

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect and resolve quarantined files",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined files",
	Args:  cobra.NoArgs,
	RunE:  runQuarantineList,
}

var quarantineRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Move a quarantined file back to where it was found",
	Long: `Move a quarantined file back to its original path. The restore is
refused if something now occupies that path.`,
	Args: cobra.ExactArgs(1),
	RunE: runQuarantineRestore,
}

var quarantineDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Permanently delete a quarantined file",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuarantineDelete,
}

var quarantineLookupCmd = &cobra.Command{
	Use:   "lookup <id>",
	Short: "Look up a quarantined file's hash on VirusTotal",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuarantineLookup,
}

func init() {
	rootCmd.AddCommand(quarantineCmd)
	quarantineCmd.AddCommand(quarantineListCmd, quarantineRestoreCmd, quarantineDeleteCmd, quarantineLookupCmd)

	bindClientFlags(quarantineCmd.PersistentFlags(), &quarantineFlags.clientConfig)
}

func runQuarantineList(cmd *cobra.Command, args []string) error {
	c, err := quarantineFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := quarantineFlags.context()
	defer cancel()

	resp, err := c.ListQuarantine(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Files) == 0 {
		fmt.Fprintln(out, "No quarantined files.")
		return nil
	}
	fmt.Fprintf(out, "%-44s  %-19s  %-28s  %s\n", "ID", "QUARANTINED", "SIGNATURE", "ORIGINAL PATH")
	for _, f := range resp.Files {
		fmt.Fprintf(out, "%-44s  %-19s  %-28s  %s\n", f.ID, localTime(f.QuarantinedAt), f.VirusName, f.OriginalPath)
	}
	return nil
}

func runQuarantineRestore(cmd *cobra.Command, args []string) error {
	c, err := quarantineFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := quarantineFlags.context()
	defer cancel()

	resp, err := c.RestoreQuarantined(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, resp)
}

func runQuarantineDelete(cmd *cobra.Command, args []string) error {
	c, err := quarantineFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := quarantineFlags.context()
	defer cancel()

	id := args[0]
	if err := c.DeleteQuarantined(ctx, id); err != nil {
		return err
	}

	result := struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	}{
		ID:      id,
		Deleted: true,
	}
	return printJSON(cmd, result)
}

func runQuarantineLookup(cmd *cobra.Command, args []string) error {
	c, err := quarantineFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := quarantineFlags.context()
	defer cancel()

	resp, err := c.LookupQuarantined(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, resp)
}
