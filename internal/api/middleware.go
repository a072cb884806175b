package api

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/youming-ai/parsify-realtime/internal/quota"
)

func (s *App) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// requestIdentifier keys rate-limit counters: the authenticated user
// when known, else the client IP.
func requestIdentifier(r *http.Request) string {
	if userId, ok := UserId(r.Context()); ok {
		return userId
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// quotaMiddleware gates the endpoint on the caller's quota. A denial
// answers 429 with Retry-After; the quota service itself fails open, so
// backend trouble never turns into a 429 here.
func (s *App) quotaMiddleware(quotaType quota.QuotaType, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := s.quota.CheckAndConsume(r.Context(), requestIdentifier(r), quotaType, 1, quota.Options{})

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))

		if !res.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(res.RetryAfter.Seconds()+1), 10))
			errResp := NewTooManyRequestsError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		next(w, r)
	}
}
