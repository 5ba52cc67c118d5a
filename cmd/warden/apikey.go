package main

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rsclarke/warden/internal/auth"
	"github.com/rsclarke/warden/internal/config"
	"github.com/rsclarke/warden/internal/db"
	"github.com/spf13/cobra"
)

var errNoSuchKey = errors.New("no active API key with that prefix")

var apikeyFlags struct {
	configPath string
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys in the local database",
	Long: `Create, list and revoke management API keys. These commands open the
database named in the configuration directly and must run on the server
host.`,
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	Args:  cobra.NoArgs,
	RunE:  runAPIKeyCreate,
}

var apikeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys by prefix",
	Args:  cobra.NoArgs,
	RunE:  runAPIKeyList,
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke <key-or-prefix>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyRevoke,
}

func init() {
	rootCmd.AddCommand(apikeyCmd)
	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyListCmd, apikeyRevokeCmd)

	apikeyCmd.PersistentFlags().StringVar(&apikeyFlags.configPath, "config", getEnv("WARDEN_CONFIG", "warden.toml"), "path to the configuration file")
}

func openLocalDB() (*sql.DB, error) {
	cfg, err := config.Load(apikeyFlags.configPath)
	if err != nil {
		return nil, err
	}
	database, err := db.Open(cfg.Paths.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return database, nil
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	database, err := openLocalDB()
	if err != nil {
		return err
	}
	defer database.Close()

	displayKey, err := createAPIKey(database)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), displayKey)
	return err
}

func runAPIKeyList(cmd *cobra.Command, args []string) error {
	database, err := openLocalDB()
	if err != nil {
		return err
	}
	defer database.Close()

	keys, err := db.ListAPIKeys(database)
	if err != nil {
		return fmt.Errorf("list API keys: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		fmt.Fprintln(out, "No API keys.")
		return nil
	}
	fmt.Fprintf(out, "%-12s  %-19s  %-19s  %s\n", "PREFIX", "CREATED", "LAST USED", "STATUS")
	for _, k := range keys {
		status := "active"
		if k.RevokedAt != nil {
			status = "revoked " + unixTime(k.RevokedAt)
		}
		fmt.Fprintf(out, "%-12s  %-19s  %-19s  %s\n", k.KeyPrefix, unixTime(&k.CreatedAt), unixTime(k.LastUsedAt), status)
	}
	return nil
}

func runAPIKeyRevoke(cmd *cobra.Command, args []string) error {
	prefix := args[0]
	if p, _, err := auth.Parse(prefix); err == nil {
		prefix = p
	}

	database, err := openLocalDB()
	if err != nil {
		return err
	}
	defer database.Close()

	revoked, err := db.RevokeAPIKey(database, prefix)
	if err != nil {
		return fmt.Errorf("revoke API key: %w", err)
	}
	if !revoked {
		return fmt.Errorf("%w: %s", errNoSuchKey, prefix)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "API key %s revoked.\n", prefix)
	return err
}

func unixTime(sec *int64) string {
	if sec == nil {
		return "never"
	}
	return time.Unix(*sec, 0).Local().Format(time.DateTime)
}
