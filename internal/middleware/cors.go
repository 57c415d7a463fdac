package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS allows browser callers from allowedOrigins. A single "*" entry allows
// any origin without credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Business-ID", "X-Customer-ID", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: !wildcard,
		MaxAge:           600,
	})
	return c.Handler
}
