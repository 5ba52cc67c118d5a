package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/rsclarke/warden/internal/config"
	"github.com/spf13/cobra"
)

var configFlags struct {
	clientConfig
	path   string
	remote bool
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults and WARDEN_* environment
overrides are applied, as TOML. Credentials are masked. With --remote the
running server's configuration is fetched from the API instead.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)

	addClientFlags(configCmd, &configFlags.clientConfig)
	configCmd.Flags().StringVar(&configFlags.path, "config", getEnv("WARDEN_CONFIG", "warden.toml"), "path to the configuration file")
	configCmd.Flags().BoolVar(&configFlags.remote, "remote", false, "fetch the configuration from the API server")
}

func runConfig(cmd *cobra.Command, args []string) error {
	var cfg config.Config
	if configFlags.remote {
		c, err := configFlags.newClient()
		if err != nil {
			return err
		}
		ctx, cancel := configFlags.context()
		defer cancel()

		raw, err := c.Config(ctx)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	} else {
		loaded, err := config.Load(configFlags.path)
		if err != nil {
			return err
		}
		cfg = loaded.Redacted()
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	_, err := cmd.OutOrStdout().Write(buf.Bytes())
	return err
}
