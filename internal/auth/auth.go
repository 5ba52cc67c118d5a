// Package auth issues and verifies management API keys.
//
// A key is shown to the operator once as warden_<prefix>_<secret>. The
// prefix is stored in clear for lookup; the secret only as its SHA-256.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/rsclarke/warden/internal/models"
)

const (
	keyScheme    = "warden_"
	prefixLength = 12
	secretBytes  = 32
)

var (
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	ErrUnauthorized     = errors.New("unauthorized")
)

// Key is a newly generated credential.
type Key struct {
	Display string
	Prefix  string
	Hash    []byte
}

// KeyLookup finds a stored key by its public prefix. A missing key is
// returned as nil, nil.
type KeyLookup func(prefix string) (*models.APIKey, error)

// Generate creates a key with a random lowercase prefix and a 256-bit secret.
func Generate() (Key, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return Key{}, err
	}
	prefix := strings.ToLower(rand.Text()[:prefixLength])
	secret := base64.RawURLEncoding.EncodeToString(raw)
	return Key{
		Display: keyScheme + prefix + "_" + secret,
		Prefix:  prefix,
		Hash:    hashSecret(secret),
	}, nil
}

// Parse splits a display key into prefix and secret. The secret may itself
// contain underscores.
func Parse(display string) (prefix, secret string, err error) {
	rest, ok := strings.CutPrefix(display, keyScheme)
	if !ok {
		return "", "", ErrInvalidKeyFormat
	}
	prefix, secret, ok = strings.Cut(rest, "_")
	if !ok || secret == "" || !validPrefix(prefix) {
		return "", "", ErrInvalidKeyFormat
	}
	return prefix, secret, nil
}

// Authenticate resolves a bearer key to its stored record. Any failure other
// than a lookup error is reported as ErrUnauthorized.
func Authenticate(lookup KeyLookup, display string) (*models.APIKey, error) {
	prefix, secret, err := Parse(display)
	if err != nil {
		return nil, ErrUnauthorized
	}
	key, err := lookup(prefix)
	if err != nil {
		return nil, err
	}
	if key == nil || key.RevokedAt != nil {
		return nil, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare(hashSecret(secret), key.KeyHash) != 1 {
		return nil, ErrUnauthorized
	}
	return key, nil
}

func hashSecret(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

func validPrefix(p string) bool {
	if len(p) != prefixLength {
		return false
	}
	for _, c := range p {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
