package api

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/metrics"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyToken
)

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func tokenFrom(ctx context.Context) string {
	tok, _ := ctx.Value(ctxKeyToken).(string)
	return tok
}

// requestID tags every request with an id, honoring one supplied by the
// client so proxies can correlate.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack forwards to the underlying writer so websocket upgrades work
// through the middleware chain.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		evt := s.logger.Debug()
		if rec.status >= 500 {
			evt = s.logger.Error()
		} else if rec.status >= 400 {
			evt = s.logger.Warn()
		}
		evt.
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", elapsed).
			Msg("Request handled")
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Str("request_id", requestIDFrom(r.Context())).
					Str("path", r.URL.Path).
					Interface("panic", rec).
					Msg("Handler panicked")
				writeError(w, r, errdefs.New(errdefs.KindInternal, "panic", "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireAuth rejects requests without a live bearer token and applies the
// per-token data rate limit.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !s.auth.Validate(token) {
			writeError(w, r, errdefs.Authentication("invalid_token", "a valid bearer token is required"))
			return
		}
		if allowed, retryAfter := s.dataLimit.Allow(token); !allowed {
			metrics.RateLimited.WithLabelValues("data").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, r, errdefs.RateLimited("rate_limited", "data request limit reached, retry after %d seconds", retryAfter))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyToken, token)))
	})
}

// limitAuthAttempts applies the stricter per-IP limit on the login route.
func (s *Server) limitAuthAttempts(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed, retryAfter := s.authLimit.Allow(clientIP(r)); !allowed {
			metrics.RateLimited.WithLabelValues("auth").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, r, errdefs.RateLimited("rate_limited", "authentication attempt limit reached, retry after %d seconds", retryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port; the listener sits behind no trusted proxy, so
// forwarding headers are deliberately ignored.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
