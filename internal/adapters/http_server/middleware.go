package httpserver

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gallery/internal/adapters/observability"
)

// ---- request observation ----

// reqInfo is filled in by inner middleware and read back by Observe once the
// handler returns.
type reqInfo struct{ admin string }

type reqInfoKey struct{}

// routeLabel is the chi pattern of the matched route. Unmatched paths share one
// label so probing clients cannot grow the metric series.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// Observe records one metric sample and one log line per request, tagged with
// the route pattern, the place being touched and the signed-in admin.
func Observe(l zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			info := &reqInfo{}
			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), reqInfoKey{}, info)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := routeLabel(r)
			took := time.Since(start)
			observability.ObserveHTTP(route, r.Method, status, took)

			ev := l.Info()
			if status >= http.StatusInternalServerError {
				ev = l.Warn()
			}
			ev = ev.Str("req_id", chimw.GetReqID(r.Context())).
				Str("route", route).
				Str("method", r.Method).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", took).
				Str("remote", clientIP(r))
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if id := rc.URLParam("id"); id != "" {
					ev = ev.Str("place_id", id)
				}
			}
			if info.admin != "" {
				ev = ev.Str("admin", info.admin)
			}
			ev.Msg("http_request")
		})
	}
}

// clientIP is the host part of RemoteAddr, which chimw.RealIP has already
// replaced with the forwarded address when a proxy sent one.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// ---- Admin authentication ----

type adminKey struct{}

// AdminFrom returns the username RequireAdmin attached to ctx.
func AdminFrom(ctx context.Context) string {
	u, _ := ctx.Value(adminKey{}).(string)
	return u
}

// RequireAdmin rejects requests without a valid "Authorization: Bearer" token.
func RequireAdmin(t *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			scheme, tok, ok := strings.Cut(h, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || tok == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="gallery"`)
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token", nil)
				return
			}
			user, err := t.Parse(strings.TrimSpace(tok))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="gallery", error="invalid_token"`)
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired token", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey{}, user)))
		})
	}
}

// ---- Rate limiting ----

type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// RateLimit throttles per client IP. Limiter failures let the request through.
func RateLimit(l RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retry, err := l.Allow(r.Context(), clientIP(r))
			if err != nil {
				log.Warn().Err(err).Msg("rate limiter unavailable")
			}
			if err == nil && !ok {
				secs := int(retry.Seconds())
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "too many login attempts", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
