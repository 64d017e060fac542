package httpserver

import (
	"net/http"
	"strings"

	"github.com/omekit/ome-publisher/internal/origin"
)

func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return s.withOriginPolicy(next.ServeHTTP)
	}
}

// withOriginPolicy rejects cross-origin browser requests from origins the
// policy does not allow and answers CORS preflights. Requests without an
// Origin header (curl, scripts) pass through.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		normalizedOrigin, originHost, ok := origin.Normalize(originHeader)
		if !ok || !origin.Allowed(normalizedOrigin, originHost, r.Host, s.cfg.AllowedOrigins) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", normalizedOrigin)
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
