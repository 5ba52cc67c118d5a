package acme

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"testing"

	"github.com/rsclarke/warden/internal/db"
)

func TestValidateDomains(t *testing.T) {
	tests := []struct {
		name    string
		domains []string
		wantErr bool
	}{
		{"single", []string{"example.com"}, false},
		{"several", []string{"example.com", "www.example.com"}, false},
		{"none", nil, true},
		{"empty", []string{""}, true},
		{"wildcard", []string{"*.example.com"}, true},
		{"localhost", []string{"localhost"}, true},
		{"localhost subdomain", []string{"app.localhost"}, true},
		{"ipv4", []string{"203.0.113.7"}, true},
		{"ipv6", []string{"2001:db8::1"}, true},
		{"bare label", []string{"intranet"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDomains(tt.domains)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDomains(%v) error = %v, wantErr %v", tt.domains, err, tt.wantErr)
			}
		})
	}
}

func TestRedirectHandler(t *testing.T) {
	tests := []struct {
		port int
		host string
		path string
		want string
	}{
		{443, "example.com", "/a?b=1", "https://example.com/a?b=1"},
		{443, "example.com:80", "/", "https://example.com/"},
		{8443, "example.com:8080", "/x", "https://example.com:8443/x"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.path, nil)
		req.Host = tt.host
		w := httptest.NewRecorder()
		RedirectHandler(tt.port).ServeHTTP(w, req)

		if w.Code != http.StatusMovedPermanently {
			t.Errorf("status = %d, want 301", w.Code)
		}
		if got := w.Header().Get("Location"); got != tt.want {
			t.Errorf("Location = %q, want %q", got, tt.want)
		}
	}
}

func TestNewManagerUsesSharedDatabase(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "acme.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	m, err := NewManager([]string{"example.com"}, "ops@example.com", true, database, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	tc := m.TLSConfig()
	if tc.GetCertificate == nil {
		t.Error("TLS config has no certificate source")
	}
	for _, proto := range []string{"h2", "http/1.1", "acme-tls/1"} {
		if !slices.Contains(tc.NextProtos, proto) {
			t.Errorf("NextProtos %v missing %q", tc.NextProtos, proto)
		}
	}

	// Requests that are not challenges pass through.
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	w := httptest.NewRecorder()
	m.HTTPHandler(next).ServeHTTP(w, httptest.NewRequest("GET", "/index.html", nil))
	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want pass-through", w.Code)
	}
}

func TestNewManagerRejectsBadDomain(t *testing.T) {
	if _, err := NewManager([]string{"*.example.com"}, "", false, nil, nil); err == nil {
		t.Error("expected error for wildcard domain")
	}
}
