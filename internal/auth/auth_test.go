package auth

import (
	"errors"
	"strings"
	"testing"

	"github.com/rsclarke/warden/internal/models"
)

func TestGenerate(t *testing.T) {
	seen := make(map[string]bool)
	for range 20 {
		k, err := Generate()
		if err != nil {
			t.Fatal(err)
		}
		if !validPrefix(k.Prefix) {
			t.Errorf("prefix %q is not 12 lowercase alphanumerics", k.Prefix)
		}
		if seen[k.Prefix] {
			t.Errorf("prefix %q repeated", k.Prefix)
		}
		seen[k.Prefix] = true

		prefix, secret, err := Parse(k.Display)
		if err != nil {
			t.Fatalf("Parse(%q): %v", k.Display, err)
		}
		if prefix != k.Prefix {
			t.Errorf("parsed prefix %q, want %q", prefix, k.Prefix)
		}
		if len(secret) != 43 {
			t.Errorf("secret length = %d, want 43", len(secret))
		}
		if len(k.Hash) != 32 {
			t.Errorf("hash length = %d", len(k.Hash))
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		input      string
		wantPrefix string
		wantSecret string
		wantErr    bool
	}{
		{input: "warden_abcdef123456_s3cr3t", wantPrefix: "abcdef123456", wantSecret: "s3cr3t"},
		{input: "warden_abcdef123456_with_under-score", wantPrefix: "abcdef123456", wantSecret: "with_under-score"},
		{input: "abcdef123456_s3cr3t", wantErr: true},
		{input: "vault_abcdef123456_s3cr3t", wantErr: true},
		{input: "warden_abcdef123456", wantErr: true},
		{input: "warden_short_s3cr3t", wantErr: true},
		{input: "warden_ABCDEF123456_s3cr3t", wantErr: true},
		{input: "warden_abcdef123456_", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tt := range tests {
		prefix, secret, err := Parse(tt.input)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidKeyFormat) {
				t.Errorf("Parse(%q) error = %v, want ErrInvalidKeyFormat", tt.input, err)
			}
			continue
		}
		if err != nil || prefix != tt.wantPrefix || secret != tt.wantSecret {
			t.Errorf("Parse(%q) = %q, %q, %v", tt.input, prefix, secret, err)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	k, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	stored := map[string]*models.APIKey{
		k.Prefix: {ID: 1, KeyPrefix: k.Prefix, KeyHash: k.Hash},
	}
	lookup := func(p string) (*models.APIKey, error) { return stored[p], nil }

	key, err := Authenticate(lookup, k.Display)
	if err != nil || key.ID != 1 {
		t.Fatalf("Authenticate = %v, %v", key, err)
	}

	for name, display := range map[string]string{
		"malformed":      "Bearer nonsense",
		"unknown prefix": "warden_zzzzzzzzzzzz_secret",
		"wrong secret":   "warden_" + k.Prefix + "_wrongsecret",
		"truncated":      strings.TrimSuffix(k.Display, k.Display[len(k.Display)-1:]),
	} {
		if _, err := Authenticate(lookup, display); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: error = %v, want ErrUnauthorized", name, err)
		}
	}

	revokedAt := int64(1700000000)
	stored[k.Prefix].RevokedAt = &revokedAt
	if _, err := Authenticate(lookup, k.Display); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("revoked key accepted: %v", err)
	}

	boom := errors.New("database is locked")
	if _, err := Authenticate(func(string) (*models.APIKey, error) { return nil, boom }, k.Display); !errors.Is(err, boom) {
		t.Errorf("lookup error not propagated: %v", err)
	}
}
