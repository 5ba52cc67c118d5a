package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var blockedFlags struct {
	clientConfig
}

var blockedCmd = &cobra.Command{
	Use:   "blocked",
	Short: "List blocked addresses",
	Args:  cobra.NoArgs,
	RunE:  runBlocked,
}

var blockFlags struct {
	clientConfig
}

var blockCmd = &cobra.Command{
	Use:   "block <ip>",
	Short: "Block an address",
	Long:  `Add an address to the block list. Its requests are refused from then on.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runBlock,
}

var unblockFlags struct {
	clientConfig
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <ip>",
	Short: "Remove an address from the block list",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnblock,
}

var checkIPFlags struct {
	clientConfig
}

var checkIPCmd = &cobra.Command{
	Use:   "check-ip <ip>",
	Short: "Look up an address's reputation",
	Long: `Query the reputation service for an address. Addresses scoring above
the block threshold are added to the block list. No lookup is made once the
service's daily quota is spent.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckIP,
}

func init() {
	rootCmd.AddCommand(blockedCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(checkIPCmd)

	addClientFlags(blockedCmd, &blockedFlags.clientConfig)
	addClientFlags(blockCmd, &blockFlags.clientConfig)
	addClientFlags(unblockCmd, &unblockFlags.clientConfig)
	addClientFlags(checkIPCmd, &checkIPFlags.clientConfig)
}

func runBlocked(cmd *cobra.Command, args []string) error {
	c, err := blockedFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := blockedFlags.context()
	defer cancel()

	resp, err := c.ListBlocked(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Blocked) == 0 {
		fmt.Fprintln(out, "No blocked addresses.")
		return nil
	}
	fmt.Fprintf(out, "%-39s  %-19s  %s\n", "ADDRESS", "BLOCKED", "SOURCE")
	for _, b := range resp.Blocked {
		fmt.Fprintf(out, "%-39s  %-19s  %s\n", b.IP, localTime(b.BlockedAt), b.Source)
	}
	return nil
}

func runBlock(cmd *cobra.Command, args []string) error {
	c, err := blockFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := blockFlags.context()
	defer cancel()

	resp, err := c.Block(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, resp)
}

func runUnblock(cmd *cobra.Command, args []string) error {
	c, err := unblockFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := unblockFlags.context()
	defer cancel()

	resp, err := c.Unblock(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, resp)
}

func runCheckIP(cmd *cobra.Command, args []string) error {
	c, err := checkIPFlags.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := checkIPFlags.context()
	defer cancel()

	resp, err := c.CheckIP(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, resp)
}
