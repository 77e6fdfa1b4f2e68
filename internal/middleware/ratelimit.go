package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// limitExceeded answers throttled requests, asking the client to retry once
// the window has passed.
func limitExceeded(window time.Duration) http.HandlerFunc {
	retry := int(window.Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	body := []byte(`{"error":"rate limit exceeded","retry_after":` + strconv.Itoa(retry) + `}`)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write(body)
	}
}

func ipKey(r *http.Request) string {
	return "ip:" + r.RemoteAddr
}

// RateLimit limits the public endpoints per client address.
func RateLimit(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestLimit,
		windowLength,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return ipKey(r), nil
		}),
		httprate.WithLimitHandler(limitExceeded(windowLength)),
	)
}

// UserRateLimit limits authenticated endpoints per user, so one user's
// sessions share a budget across addresses.
func UserRateLimit(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestLimit,
		windowLength,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if userID := GetUserID(r.Context()); userID != "" {
				return "user:" + userID, nil
			}
			return ipKey(r), nil
		}),
		httprate.WithLimitHandler(limitExceeded(windowLength)),
	)
}
