package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tiulpin/board-preview/internal/metrics"
)

type middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func recoverMiddleware(logger *slog.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}
					logger.Error("handler panicked", "path", r.URL.Path, "panic", p, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func accessLogMiddleware(logger *slog.Logger, m *metrics.Metrics) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			m.ObserveRequest(routeLabel(r.URL.Path), rec.code(), elapsed)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.code(),
				"duration_ms", elapsed.Milliseconds(),
				"request_id", w.Header().Get("X-Request-ID"),
			)
		})
	}
}

func corsMiddleware(allowOrigin string) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allowOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func cacheHeadersMiddleware(next http.HandlerFunc, maxAge int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
		next(w, r)
	}
}

// clientLimiter is a token bucket per client address.
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perMinute, burst int) *clientLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &clientLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		clients: make(map[string]*limiterEntry),
	}
}

func (c *clientLimiter) allow(client string) bool {
	if c == nil {
		return true
	}
	now := time.Now()
	c.mu.Lock()
	entry, ok := c.clients[client]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[client] = entry
	}
	entry.lastSeen = now
	c.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

// sweep forgets clients idle for longer than idle.
func (c *clientLimiter) sweep(idle time.Duration) int {
	if c == nil {
		return 0
	}
	cutoff := time.Now().Add(-idle)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.clients {
		if e.lastSeen.Before(cutoff) {
			delete(c.clients, k)
		}
	}
	return len(c.clients)
}

func rateLimitMiddleware(l *clientLimiter, m *metrics.Metrics, logger *slog.Logger) middleware {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/health", "/metrics":
				next.ServeHTTP(w, r)
				return
			}
			client := clientAddr(r)
			if !l.allow(client) {
				m.IncRateLimited()
				logger.Warn("rate limited", "client", client, "path", r.URL.Path)
				w.Header().Set("Retry-After", "60")
				http.Error(w, "Too many requests.", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
