package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/raterudder/autarco-bridge/pkg/log"
)

// authMiddleware requires a valid bearer ID token when a verifier is
// configured and passes everything through otherwise.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			log.Ctx(ctx).WarnContext(ctx, "missing auth header")
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSONError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			log.Ctx(ctx).WarnContext(ctx, "invalid auth header")
			writeJSONError(w, "invalid auth header", http.StatusBadRequest)
			return
		}

		idToken, err := s.verifier(ctx, token)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "token validation failed", slog.Any("error", err))
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeJSONError(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}

		ctx = log.WithAttrs(ctx, slog.String("subject", idToken.Subject))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
