// Package config loads the warden configuration file.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from strings such as "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the top-level warden configuration.
type Config struct {
	Paths      PathsConfig      `toml:"paths"`
	Server     ServerConfig     `toml:"server"`
	Limits     LimitsConfig     `toml:"limits"`
	Reputation ReputationConfig `toml:"reputation"`
	VirusTotal VirusTotalConfig `toml:"virustotal"`
	Scanner    ScannerConfig    `toml:"scanner"`
	Backup     BackupConfig     `toml:"backup"`
	Audit      AuditConfig      `toml:"audit"`
}

type PathsConfig struct {
	PublicDir     string `toml:"public_dir"`
	BackupDir     string `toml:"backup_dir"`
	QuarantineDir string `toml:"quarantine_dir"`
	DBPath        string `toml:"db_path"`
}

type ServerConfig struct {
	PublicPort  int     `toml:"public_port"`
	APIPort     int     `toml:"api_port"`
	HTTPPort    int     `toml:"http_port"` // plain listener for HTTP-01 and redirects when TLS is on; 0 disables
	Domain      string  `toml:"domain"`
	TLSCert     string  `toml:"tls_cert"`
	TLSKey      string  `toml:"tls_key"`
	ACME        bool    `toml:"acme"`
	ACMEEmail   string  `toml:"acme_email"`
	ACMEStaging bool    `toml:"acme_staging"`
	APIRate     float64 `toml:"api_rate"`  // requests per second per client
	APIBurst    int     `toml:"api_burst"` // token bucket size
}

// TLS reports whether the listeners serve TLS.
func (s ServerConfig) TLS() bool {
	return s.ACME || s.TLSCert != ""
}

// LimitsConfig holds the daily call ceilings for governed services.
type LimitsConfig struct {
	PerService    map[string]int `toml:"per_service"`
	ResetInterval Duration       `toml:"reset_interval"`
}

type ReputationConfig struct {
	Provider       string   `toml:"provider"` // "abuseipdb" or "dnsbl"
	APIKey         string   `toml:"api_key"`
	Endpoint       string   `toml:"endpoint,omitempty"`
	BlockThreshold int      `toml:"block_threshold"`
	MaxAgeDays     int      `toml:"max_age_days"`
	DNSBLZone      string   `toml:"dnsbl_zone,omitempty"`
	DNSBLResolver  string   `toml:"dnsbl_resolver,omitempty"`
	Timeout        Duration `toml:"timeout"`
}

type VirusTotalConfig struct {
	APIKey   string   `toml:"api_key"`
	Endpoint string   `toml:"endpoint,omitempty"`
	Timeout  Duration `toml:"timeout"`
}

type ScannerConfig struct {
	ClamdAddress string   `toml:"clamd_address"` // tcp:host:port or unix:/path
	Interval     Duration `toml:"interval"`
	RunAtStart   bool     `toml:"run_at_start"`
	Timeout      Duration `toml:"timeout"`
}

// TierConfig describes one backup tier.
type TierConfig struct {
	Name      string   `toml:"name"`
	Interval  Duration `toml:"interval"`
	Retention Duration `toml:"retention"`
}

type BackupConfig struct {
	Tiers         []TierConfig `toml:"tiers"`
	SweepInterval Duration     `toml:"sweep_interval"`
	Mirror        string       `toml:"mirror"` // "rsync" or "native"
	RsyncPath     string       `toml:"rsync_path,omitempty"`
}

type AuditConfig struct {
	RedisURL     string `toml:"redis_url,omitempty"`
	RedisChannel string `toml:"redis_channel,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	day := 24 * time.Hour
	return &Config{
		Paths: PathsConfig{
			PublicDir:     "public",
			BackupDir:     "backups",
			QuarantineDir: "quarantine",
			DBPath:        "warden.db",
		},
		Server: ServerConfig{
			PublicPort: 8080,
			APIPort:    8081,
			Domain:     "localhost",
			APIRate:    5,
			APIBurst:   20,
		},
		Limits: LimitsConfig{
			PerService: map[string]int{
				"abuseipdb":  100,
				"virustotal": 100,
				"dnsbl":      1000,
			},
			ResetInterval: Duration{day},
		},
		Reputation: ReputationConfig{
			Provider:       "abuseipdb",
			BlockThreshold: 80,
			MaxAgeDays:     90,
			DNSBLZone:      "zen.spamhaus.org",
			DNSBLResolver:  "127.0.0.1:53",
			Timeout:        Duration{10 * time.Second},
		},
		VirusTotal: VirusTotalConfig{
			Timeout: Duration{10 * time.Second},
		},
		Scanner: ScannerConfig{
			ClamdAddress: "unix:/var/run/clamav/clamd.ctl",
			Interval:     Duration{day},
			RunAtStart:   true,
			Timeout:      Duration{30 * time.Minute},
		},
		Backup: BackupConfig{
			Tiers: []TierConfig{
				{Name: "short", Interval: Duration{6 * time.Hour}, Retention: Duration{7 * day}},
				{Name: "long", Interval: Duration{day}, Retention: Duration{30 * day}},
			},
			SweepInterval: Duration{day},
			Mirror:        "rsync",
			RsyncPath:     "rsync",
		},
		Audit: AuditConfig{
			RedisChannel: "warden:audit",
		},
	}
}

// Load reads the TOML file at path over the defaults and then applies
// WARDEN_* environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Paths.PublicDir, "WARDEN_PUBLIC_DIR")
	setString(&cfg.Paths.BackupDir, "WARDEN_BACKUP_DIR")
	setString(&cfg.Paths.QuarantineDir, "WARDEN_QUARANTINE_DIR")
	setString(&cfg.Paths.DBPath, "WARDEN_DB")
	setString(&cfg.Server.Domain, "WARDEN_DOMAIN")
	setInt(&cfg.Server.PublicPort, "WARDEN_PUBLIC_PORT")
	setInt(&cfg.Server.APIPort, "WARDEN_API_PORT")
	setInt(&cfg.Server.HTTPPort, "WARDEN_HTTP_PORT")
	setString(&cfg.Server.ACMEEmail, "WARDEN_ACME_EMAIL")
	setString(&cfg.Reputation.APIKey, "WARDEN_ABUSEIPDB_API_KEY")
	setString(&cfg.VirusTotal.APIKey, "WARDEN_VIRUSTOTAL_API_KEY")
	setString(&cfg.Scanner.ClamdAddress, "WARDEN_CLAMD_ADDRESS")
	setString(&cfg.Audit.RedisURL, "WARDEN_REDIS_URL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Paths.PublicDir == "" {
		return errors.New("paths.public_dir is required")
	}
	if c.Paths.BackupDir == "" || c.Paths.QuarantineDir == "" {
		return errors.New("paths.backup_dir and paths.quarantine_dir are required")
	}
	for name, dir := range map[string]string{"backup_dir": c.Paths.BackupDir, "quarantine_dir": c.Paths.QuarantineDir} {
		nested, err := within(dir, c.Paths.PublicDir)
		if err != nil {
			return fmt.Errorf("paths.%s: %w", name, err)
		}
		if nested {
			return fmt.Errorf("paths.%s must not be inside paths.public_dir", name)
		}
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	if c.Server.ACME && c.Server.TLSCert != "" {
		return errors.New("server.acme cannot be combined with server.tls_cert")
	}
	if c.Server.ACME && (c.Server.Domain == "" || c.Server.Domain == "localhost") {
		return errors.New("server.acme requires a public server.domain")
	}
	if c.Limits.ResetInterval.Duration <= 0 {
		return errors.New("limits.reset_interval must be positive")
	}
	for name, n := range c.Limits.PerService {
		if n < 0 {
			return fmt.Errorf("limits.per_service.%s must not be negative", name)
		}
	}
	switch c.Reputation.Provider {
	case "abuseipdb", "dnsbl":
	default:
		return fmt.Errorf("unknown reputation provider %q", c.Reputation.Provider)
	}
	if _, ok := c.Limits.PerService[c.Reputation.Provider]; !ok {
		return fmt.Errorf("limits.per_service.%s is required for the reputation provider", c.Reputation.Provider)
	}
	if _, ok := c.Limits.PerService["virustotal"]; c.VirusTotal.APIKey != "" && !ok {
		return errors.New("limits.per_service.virustotal is required when virustotal.api_key is set")
	}
	switch c.Backup.Mirror {
	case "rsync", "native":
	default:
		return fmt.Errorf("unknown backup mirror %q", c.Backup.Mirror)
	}
	seen := make(map[string]bool)
	for _, t := range c.Backup.Tiers {
		if t.Name == "" {
			return errors.New("backup tier name is required")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate backup tier %q", t.Name)
		}
		seen[t.Name] = true
		if t.Interval.Duration <= 0 || t.Retention.Duration <= 0 {
			return fmt.Errorf("backup tier %q needs a positive interval and retention", t.Name)
		}
	}
	return nil
}

// within reports whether dir is root or lies beneath it.
func within(dir, root string) (bool, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false, err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(absRoot, absDir)
	if err != nil {
		return false, nil
	}
	return rel == "." || rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)), nil
}

// Redacted returns a deep copy of c with credentials replaced by a mask.
func (c *Config) Redacted() Config {
	out := *c
	out.Limits.PerService = maps.Clone(c.Limits.PerService)
	out.Backup.Tiers = slices.Clone(c.Backup.Tiers)
	mask(&out.Reputation.APIKey)
	mask(&out.VirusTotal.APIKey)
	mask(&out.Audit.RedisURL)
	return out
}

func mask(v *string) {
	if *v != "" {
		*v = "********"
	}
}
