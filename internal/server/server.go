// Package server wires the link preview resolver and image proxy into an
// HTTP service.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tiulpin/board-preview/internal/cache"
	"github.com/tiulpin/board-preview/internal/config"
	"github.com/tiulpin/board-preview/internal/fetch"
	"github.com/tiulpin/board-preview/internal/imageproxy"
	"github.com/tiulpin/board-preview/internal/metrics"
	"github.com/tiulpin/board-preview/internal/preview"
)

const (
	previewMaxAge   = 3600
	imageMaxAge     = 86400
	batchFanOut     = 8
	cleanupInterval = 5 * time.Minute
)

var knownRoutes = map[string]bool{
	"/link-preview":  true,
	"/link-previews": true,
	"/image-proxy":   true,
	"/health":        true,
	"/metrics":       true,
}

func routeLabel(path string) string {
	if knownRoutes[path] {
		return path
	}
	return "other"
}

// Server is the HTTP front of the service.
type Server struct {
	cfg      config.Config
	resolver *preview.Resolver
	proxy    *imageproxy.Proxy
	metrics  *metrics.Metrics
	limiter  *clientLimiter
	logger   *slog.Logger
	handler  http.Handler
}

// NewResolver builds the link preview resolver described by cfg.
func NewResolver(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (*preview.Resolver, error) {
	rules, err := preview.BuildRuleSet(cfg.Preview.RuleSet, cfg.Preview.TitleRules, cfg.Preview.ImageRules)
	if err != nil {
		return nil, err
	}
	var memo *cache.Group[preview.Result]
	if cfg.Cache.Enabled {
		memo = cache.New[preview.Result](cfg.Cache.PreviewEntries, cfg.Cache.PreviewTTL.Duration)
	}
	return preview.NewResolver(preview.Options{
		Getter: fetch.New(fetch.Options{
			UserAgent:    cfg.Preview.UserAgent,
			Accept:       "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8",
			Timeout:      cfg.Fetch.Timeout.Duration,
			DialTimeout:  cfg.Fetch.DialTimeout.Duration,
			MaxRedirects: cfg.Fetch.MaxRedirects,
			MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
			BlockPrivate: cfg.Fetch.BlockPrivate,
		}),
		ProxyPrefix: cfg.Preview.ProxyPrefix,
		Rules:       rules,
		Cache:       memo,
		Metrics:     m,
		Logger:      logger,
	}), nil
}

// NewImageProxy builds the image proxy described by cfg.
func NewImageProxy(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) *imageproxy.Proxy {
	var memo *cache.Group[imageproxy.Image]
	if cfg.Cache.Enabled {
		memo = cache.New[imageproxy.Image](cfg.Cache.ImageEntries, cfg.Cache.ImageTTL.Duration)
	}
	return imageproxy.New(imageproxy.Options{
		Getter: fetch.New(fetch.Options{
			UserAgent:    cfg.ImageProxy.UserAgent,
			Referer:      cfg.ImageProxy.Referer,
			Accept:       "image/*,*/*;q=0.8",
			Timeout:      cfg.Fetch.Timeout.Duration,
			DialTimeout:  cfg.Fetch.DialTimeout.Duration,
			MaxRedirects: cfg.Fetch.MaxRedirects,
			MaxBodyBytes: cfg.ImageProxy.MaxBytes,
			BlockPrivate: cfg.Fetch.BlockPrivate,
		}),
		Cache:         memo,
		MaxEntryBytes: cfg.Cache.ImageMaxEntryBytes,
		Metrics:       m,
		Logger:        logger,
	})
}

// New assembles a Server from configuration.
func New(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	resolver, err := NewResolver(cfg, m, logger)
	if err != nil {
		return nil, fmt.Errorf("build resolver: %w", err)
	}
	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		proxy:    NewImageProxy(cfg, m, logger),
		metrics:  m,
		limiter:  newClientLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /link-preview", cacheHeadersMiddleware(s.handlePreview, previewMaxAge))
	mux.HandleFunc("GET /link-previews", cacheHeadersMiddleware(s.handlePreviews, previewMaxAge))
	mux.HandleFunc("GET /image-proxy", s.handleImageProxy)
	mux.HandleFunc("GET /health", handleHealth)
	mux.Handle("GET /metrics", m.Handler())

	s.handler = chain(mux,
		recoverMiddleware(logger),
		requestIDMiddleware,
		accessLogMiddleware(logger, m),
		corsMiddleware(cfg.CORS.AllowOrigin),
		rateLimitMiddleware(s.limiter, m, logger),
	)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout.Duration,
		ReadTimeout:       s.cfg.Server.ReadTimeout.Duration,
		WriteTimeout:      s.cfg.Server.WriteTimeout.Duration,
	}

	go s.cleanupRoutine(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("link preview service starting",
			"addr", s.cfg.Server.Addr,
			"preview_cache_entries", s.cfg.Cache.PreviewEntries,
			"image_cache_entries", s.cfg.Cache.ImageEntries,
			"cache_enabled", s.cfg.Cache.Enabled,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	s.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) cleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportCaches()
		}
	}
}

func (s *Server) reportCaches() {
	previews, images := s.resolver.CacheLen(), s.proxy.CacheLen()
	clients := s.limiter.sweep(cleanupInterval)
	s.metrics.SetCacheEntries("preview", previews)
	s.metrics.SetCacheEntries("image", images)
	s.logger.Info("cache status", "previews", previews, "images", images, "rate_limited_clients", clients)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	target, err := preview.Validate(r.URL.Query().Get("url"))
	if err != nil {
		writeJSONError(w, err)
		return
	}
	res, cacheable := s.resolver.ResolveCacheable(r.Context(), target)
	if !cacheable {
		w.Header().Set("Cache-Control", "no-store")
	}
	writeJSON(w, http.StatusOK, res)
}

// BatchItem is one element of a /link-previews response.
type BatchItem struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Image string `json:"image"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handlePreviews(w http.ResponseWriter, r *http.Request) {
	urls := r.URL.Query()["url"]
	if len(urls) == 0 {
		writeJSONError(w, preview.ErrMissingURL)
		return
	}
	if len(urls) > s.cfg.Preview.MaxBatch {
		writeJSONError(w, &preview.InputError{
			Message: "Too many urls, maximum is " + strconv.Itoa(s.cfg.Preview.MaxBatch) + ".",
		})
		return
	}

	results := make([]BatchItem, len(urls))
	var transient atomic.Bool
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(batchFanOut)
	for i, raw := range urls {
		g.Go(func() error {
			item := BatchItem{URL: raw}
			target, err := preview.Validate(raw)
			if err != nil {
				item.Error = err.Error()
			} else {
				res, cacheable := s.resolver.ResolveCacheable(ctx, target)
				if !cacheable {
					transient.Store(true)
				}
				item.Title, item.Image = res.Title, res.Image
			}
			results[i] = item
			return nil
		})
	}
	_ = g.Wait()
	if transient.Load() {
		w.Header().Set("Cache-Control", "no-store")
	}

	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleImageProxy(w http.ResponseWriter, r *http.Request) {
	img, err := s.proxy.Fetch(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		var statusErr *imageproxy.StatusError
		switch {
		case errors.Is(err, imageproxy.ErrMissingURL):
			http.Error(w, "Missing url parameter.", http.StatusBadRequest)
		case errors.As(err, &statusErr):
			http.Error(w, "Failed to fetch image.", statusErr.Code)
		default:
			http.Error(w, "Failed to fetch image.", http.StatusBadGateway)
		}
		return
	}

	body := img.Data
	if s.cfg.ImageProxy.Encoding == config.EncodingBase64 {
		body = []byte(base64.StdEncoding.EncodeToString(img.Data))
	}
	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", imageMaxAge))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Del("Cache-Control")
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}
