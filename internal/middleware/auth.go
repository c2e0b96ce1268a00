package middleware

import (
	"net/http"
	"strings"

	"github.com/khayapay/backend/internal/services"
)

// AuthMiddleware resolves the bearer token through the token store and puts
// the session on the request context. It gates the read-only endpoints;
// mutating endpoints carry their own signed authorization in the body.
func AuthMiddleware(tokens *services.TokenStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			session, err := tokens.Resolve(r.Context(), parts[1])
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(services.WithSession(r.Context(), session)))
		})
	}
}
