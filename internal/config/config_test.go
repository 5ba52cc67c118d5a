package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func findTier(cfg *Config, name string) (TierConfig, bool) {
	for _, t := range cfg.Backup.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return TierConfig{}, false
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Reputation.BlockThreshold != 80 {
		t.Errorf("BlockThreshold = %d, want 80", cfg.Reputation.BlockThreshold)
	}
	if cfg.Limits.PerService["abuseipdb"] != 100 {
		t.Errorf("abuseipdb limit = %d, want 100", cfg.Limits.PerService["abuseipdb"])
	}
	short, ok := findTier(cfg, "short")
	if !ok {
		t.Fatal("short tier missing")
	}
	if short.Retention.Duration != 7*24*time.Hour {
		t.Errorf("short retention = %v", short.Retention.Duration)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.toml")
	content := `
[paths]
public_dir = "/srv/www"

[limits]
reset_interval = "12h"

[limits.per_service]
abuseipdb = 2

[[backup.tiers]]
name = "hourly"
interval = "1h"
retention = "48h"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Paths.PublicDir != "/srv/www" {
		t.Errorf("PublicDir = %q", cfg.Paths.PublicDir)
	}
	if cfg.Limits.ResetInterval.Duration != 12*time.Hour {
		t.Errorf("ResetInterval = %v", cfg.Limits.ResetInterval.Duration)
	}
	if cfg.Limits.PerService["abuseipdb"] != 2 {
		t.Errorf("abuseipdb limit = %d, want 2", cfg.Limits.PerService["abuseipdb"])
	}
	if len(cfg.Backup.Tiers) != 1 || cfg.Backup.Tiers[0].Name != "hourly" {
		t.Errorf("tiers = %+v, want only hourly", cfg.Backup.Tiers)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WARDEN_PUBLIC_DIR", "/var/www")
	t.Setenv("WARDEN_API_PORT", "9000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Paths.PublicDir != "/var/www" {
		t.Errorf("PublicDir = %q", cfg.Paths.PublicDir)
	}
	if cfg.Server.APIPort != 9000 {
		t.Errorf("APIPort = %d", cfg.Server.APIPort)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad provider", func(c *Config) { c.Reputation.Provider = "shodan" }, true},
		{"bad mirror", func(c *Config) { c.Backup.Mirror = "tar" }, true},
		{"duplicate tier", func(c *Config) { c.Backup.Tiers = append(c.Backup.Tiers, c.Backup.Tiers[0]) }, true},
		{"zero retention", func(c *Config) { c.Backup.Tiers[0].Retention = Duration{} }, true},
		{"negative limit", func(c *Config) { c.Limits.PerService["abuseipdb"] = -1 }, true},
		{"no public dir", func(c *Config) { c.Paths.PublicDir = "" }, true},
		{"cert without key", func(c *Config) { c.Server.TLSCert = "cert.pem" }, true},
		{"cert and key", func(c *Config) { c.Server.TLSCert, c.Server.TLSKey = "cert.pem", "key.pem" }, false},
		{"acme on localhost", func(c *Config) { c.Server.ACME = true }, true},
		{"acme with domain", func(c *Config) { c.Server.ACME, c.Server.Domain = true, "example.com" }, false},
		{"dnsbl provider with default ceilings", func(c *Config) { c.Reputation.Provider = "dnsbl" }, false},
		{"provider without ceiling", func(c *Config) {
			c.Reputation.Provider = "dnsbl"
			delete(c.Limits.PerService, "dnsbl")
		}, true},
		{"virustotal key without ceiling", func(c *Config) {
			c.VirusTotal.APIKey = "vt"
			delete(c.Limits.PerService, "virustotal")
		}, true},
		{"virustotal ceiling unused", func(c *Config) { delete(c.Limits.PerService, "virustotal") }, false},
		{"quarantine inside public", func(c *Config) { c.Paths.QuarantineDir = "public/quarantine" }, true},
		{"quarantine is public", func(c *Config) { c.Paths.QuarantineDir = "./public" }, true},
		{"backup inside public", func(c *Config) { c.Paths.BackupDir = "public/.backups" }, true},
		{"quarantine beside public", func(c *Config) { c.Paths.QuarantineDir = "public-quarantine" }, false},
		{"acme and static cert", func(c *Config) {
			c.Server.ACME, c.Server.Domain = true, "example.com"
			c.Server.TLSCert, c.Server.TLSKey = "cert.pem", "key.pem"
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Reputation.APIKey = "abuse-key"
	cfg.Audit.RedisURL = "redis://:pw@localhost:6379/0"

	out := cfg.Redacted()
	if out.Reputation.APIKey != "********" || out.Audit.RedisURL != "********" {
		t.Errorf("secrets not masked: %q %q", out.Reputation.APIKey, out.Audit.RedisURL)
	}
	if out.VirusTotal.APIKey != "" {
		t.Errorf("empty key masked to %q", out.VirusTotal.APIKey)
	}
	if cfg.Reputation.APIKey != "abuse-key" {
		t.Error("original config modified")
	}

	out.Limits.PerService["abuseipdb"] = 1
	out.Backup.Tiers[0].Name = "changed"
	if cfg.Limits.PerService["abuseipdb"] != 100 || cfg.Backup.Tiers[0].Name != "short" {
		t.Error("redacted copy shares state with the original")
	}
}
