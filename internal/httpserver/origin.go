package httpserver

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/wilsonzlin/aero/proxy/webrtc-pairing-relay/internal/origin"
)

// corsMiddleware answers preflights and sets CORS headers for origins the
// origin policy accepts.
func corsMiddleware(allowedOrigins []string) Middleware {
	c := cors.New(cors.Options{
		AllowOriginRequestFunc: func(r *http.Request, _ string) bool {
			normalized, ok := origin.CheckRequest(r, allowedOrigins)
			return ok && normalized != ""
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           600,
	})
	return c.Handler
}

// originMiddleware rejects browser requests from origins outside the policy.
// Requests without an Origin header are not from a browser and pass through.
func originMiddleware(allowedOrigins []string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := origin.CheckRequest(r, allowedOrigins); !ok {
				WriteJSONError(w, http.StatusForbidden, "forbidden_origin", "origin not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
