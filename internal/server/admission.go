package server

import (
	"net"
	"net/http"

	"github.com/rsclarke/warden/internal/logging"
	"github.com/rsclarke/warden/internal/metrics"
	"go.uber.org/zap"
)

// Admitter decides whether a client address may be served.
type Admitter interface {
	IsBlocked(ip string) bool
}

// Admission rejects requests from blocked addresses with 403 before they
// reach next.
func Admission(a Admitter, logger *zap.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RemoteIP(r)
		if a.IsBlocked(ip) {
			metrics.RecordAdmissionDenied()
			logger.Debug("request from blocked address refused",
				logging.RemoteIP(ip), logging.Method(r.Method), logging.Path(r.URL.Path))
			http.Error(w, "Access denied", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RemoteIP returns the host part of the connection's remote address.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
