package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rsclarke/warden/internal/client"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type clientConfig struct {
	apiKey  string
	apiURL  string
	timeout time.Duration
}

func addClientFlags(cmd *cobra.Command, cfg *clientConfig) {
	bindClientFlags(cmd.Flags(), cfg)
}

func bindClientFlags(fs *pflag.FlagSet, cfg *clientConfig) {
	fs.StringVar(&cfg.apiKey, "api-key", os.Getenv("WARDEN_API_KEY"), "API key for authentication")
	fs.StringVar(&cfg.apiURL, "api-url", getEnv("WARDEN_API_URL", "http://localhost:8081"), "API server URL")
	fs.DurationVar(&cfg.timeout, "timeout", getEnvDuration("WARDEN_TIMEOUT", 30*time.Minute), "request timeout; scans and snapshots run inside the request")
}

func (cfg *clientConfig) newClient() (*client.Client, error) {
	if cfg.apiURL == "" {
		return nil, fmt.Errorf("API URL required (use --api-url flag or WARDEN_API_URL env var)")
	}
	if cfg.apiKey == "" {
		return nil, fmt.Errorf("API key required (use --api-key flag or WARDEN_API_KEY env var)")
	}
	return client.NewClient(cfg.apiURL, cfg.apiKey), nil
}

func (cfg *clientConfig) context() (context.Context, context.CancelFunc) {
	if cfg.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), cfg.timeout)
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}

// localTime renders an RFC 3339 timestamp from the API in the local zone.
func localTime(s string) string {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
