// Package acme obtains and renews TLS certificates for the served domain.
package acme

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/caddyserver/certmagic"
	certmagicsqlite "github.com/rsclarke/certmagic-sqlite"
	"github.com/rsclarke/warden/internal/logging"
	"go.uber.org/zap"
)

// Manager handles certificate acquisition and renewal. Challenges are
// answered over HTTP-01 through HTTPHandler and over TLS-ALPN-01 through
// the TLSConfig it returns.
type Manager struct {
	Domains []string
	Email   string
	Staging bool
	Logger  *zap.Logger

	cfg    *certmagic.Config
	issuer *certmagic.ACMEIssuer
}

// NewManager prepares a manager that keeps its account and certificates in
// db. Nothing is requested from the CA until Manage is called.
func NewManager(domains []string, email string, staging bool, db *sql.DB, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ValidateDomains(domains); err != nil {
		return nil, err
	}

	// certmagic logs through its package defaults until a config exists.
	certmagic.Default.Logger = logger
	certmagic.DefaultACME.Logger = logger

	hostname, _ := os.Hostname()
	storage, err := certmagicsqlite.NewWithDB(db, certmagicsqlite.WithOwnerID(hostname))
	if err != nil {
		return nil, fmt.Errorf("create certmagic storage: %w", err)
	}

	cfg := certmagic.NewDefault()
	cfg.Storage = storage
	cfg.Logger = logger

	caURL := certmagic.LetsEncryptProductionCA
	if staging {
		caURL = certmagic.LetsEncryptStagingCA
	}
	issuer := certmagic.NewACMEIssuer(cfg, certmagic.ACMEIssuer{
		CA:     caURL,
		Email:  email,
		Agreed: true,
		Logger: logger,
	})
	cfg.Issuers = []certmagic.Issuer{issuer}

	return &Manager{
		Domains: domains,
		Email:   email,
		Staging: staging,
		Logger:  logger,
		cfg:     cfg,
		issuer:  issuer,
	}, nil
}

// Manage obtains certificates for every domain and keeps them renewed in
// the background. The challenge listeners must already be running.
func (m *Manager) Manage(ctx context.Context) error {
	m.Logger.Info("obtaining certificates", zap.Strings("domains", m.Domains), zap.Bool("staging", m.Staging))
	if err := m.cfg.ManageSync(ctx, m.Domains); err != nil {
		return fmt.Errorf("manage certificates for %s: %w", strings.Join(m.Domains, ","), err)
	}
	for _, d := range m.Domains {
		m.Logger.Info("certificate ready", logging.Domain(d))
	}
	return nil
}

// TLSConfig serves the managed certificates and answers TLS-ALPN-01
// challenges.
func (m *Manager) TLSConfig() *tls.Config {
	tc := m.cfg.TLSConfig()
	tc.NextProtos = append([]string{"h2", "http/1.1"}, tc.NextProtos...)
	return tc
}

// HTTPHandler answers HTTP-01 challenges and hands every other request to
// next.
func (m *Manager) HTTPHandler(next http.Handler) http.Handler {
	return m.issuer.HTTPChallengeHandler(next)
}

// RedirectHandler sends plain HTTP requests to the same path over HTTPS on
// tlsPort.
func RedirectHandler(tlsPort int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if tlsPort != 443 {
			host = net.JoinHostPort(host, fmt.Sprint(tlsPort))
		}
		http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
}

// ValidateDomains rejects names a CA will not issue for over HTTP-01 or
// TLS-ALPN-01.
func ValidateDomains(domains []string) error {
	if len(domains) == 0 {
		return errors.New("acme: at least one domain is required")
	}
	for _, d := range domains {
		switch {
		case d == "":
			return errors.New("acme: empty domain")
		case strings.Contains(d, "*"):
			return fmt.Errorf("acme: wildcard %q needs DNS-01", d)
		case d == "localhost" || strings.HasSuffix(d, ".localhost"):
			return fmt.Errorf("acme: %q is not publicly resolvable", d)
		case net.ParseIP(d) != nil:
			return fmt.Errorf("acme: IP address %q is not supported", d)
		case !strings.Contains(d, "."):
			return fmt.Errorf("acme: %q is not a fully qualified name", d)
		}
	}
	return nil
}
