package server

import (
	"net/http"
	"path"
	"strings"

	"go.uber.org/zap"
)

// PublicServer serves the protected tree to anyone not on the block list.
type PublicServer struct {
	Root     string
	Admitter Admitter
	Logger   *zap.Logger
}

// Handler returns the file server wrapped in admission control. Dot files
// are not served.
func (s *PublicServer) Handler() http.Handler {
	files := http.FileServer(http.Dir(s.Root))
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hasDotSegment(r.URL.Path) {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		files.ServeHTTP(w, r)
	})
	return Admission(s.Admitter, s.Logger, h)
}

func hasDotSegment(p string) bool {
	for _, seg := range strings.Split(path.Clean("/"+p), "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
