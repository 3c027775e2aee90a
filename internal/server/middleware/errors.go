package middleware

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/faucetdb/warden/internal/model"
)

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	var e *model.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindInvalidKey, model.KindExpiredKey, model.KindInactiveKey:
		return http.StatusUnauthorized
	case model.KindWrongOrganization, model.KindInsufficientPermission:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case model.KindStorage:
		if e.Transient {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err using the standard error envelope. Rate-limited and
// unavailable errors also set Retry-After. Storage causes are never echoed
// to the client.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	detail := model.ErrorDetail{Code: status, Message: err.Error()}

	var e *model.Error
	if errors.As(err, &e) {
		detail.Kind = e.Kind
		switch e.Kind {
		case model.KindValidation:
			if e.Field != "" {
				detail.Context = map[string]interface{}{"field": e.Field}
			}
		case model.KindRateLimited, model.KindServiceUnavailable:
			w.Header().Set("Retry-After", retryAfterSeconds(e.RetryAfter))
		case model.KindStorage:
			detail.Message = "storage error"
			if e.Transient {
				detail.Message = "storage temporarily unavailable"
				w.Header().Set("Retry-After", "1")
			}
		case model.KindInvalidKey:
			// Fail-closed lookups wrap their cause; keep it server side.
			if e.Message != "" {
				detail.Message = e.Message
			}
		}
	} else {
		detail.Message = "internal error"
	}

	writeErrorDetail(w, detail)
}

func writeErrorDetail(w http.ResponseWriter, detail model.ErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(detail.Code)
	json.NewEncoder(w).Encode(model.ErrorResponse{Error: detail})
}

// retryAfterSeconds renders d as whole seconds, rounded up, at least 1.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
