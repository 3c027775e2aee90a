package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/faucetdb/warden/internal/model"
	"github.com/faucetdb/warden/internal/ratelimit"
)

// RateLimit limits requests per client IP to requestsPerMinute using a
// sliding window. It protects the system routes, which are not key scoped.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, model.NewRateLimitedError(time.Minute))
		}),
	)
}

// KeyQuota spends one unit of the validated API key's quota per request.
// It must be used after AuthenticateAPIKey. Every response carries
// X-RateLimit-Limit and X-RateLimit-Remaining; denials get a 429 with
// Retry-After.
func KeyQuota(limiter ratelimit.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := GetAPIKey(r.Context())
			if key == nil {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required")
				return
			}

			res, err := limiter.CheckAndConsume(r.Context(), key.ID, key.RateLimit, 1)
			if err != nil {
				logger.Warn("rate limit check failed", "key_id", key.ID, "error", err)
				WriteError(w, model.NewUnavailableError("ratelimit", time.Second))
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if !res.Allowed {
				WriteError(w, res.Err())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
