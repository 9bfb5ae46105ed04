// Package preview turns an arbitrary page URL into a title and a proxied
// preview image. Resolution is best effort: once a URL has passed Validate,
// every failure degrades to an empty Result.
package preview

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/tiulpin/board-preview/internal/cache"
	"github.com/tiulpin/board-preview/internal/fetch"
	"github.com/tiulpin/board-preview/internal/metrics"
)

// Result is the resolver's response body.
type Result struct {
	Title string `json:"title"`
	Image string `json:"image"`
}

// Outcomes recorded per resolution.
const (
	OutcomeExtracted  = "extracted"
	OutcomeImage      = "image"
	OutcomeNonHTML    = "non_html"
	OutcomeFetchError = "fetch_error"
	OutcomeReadError  = "read_error"
	OutcomePanic      = "panic"
)

// Getter performs the single outbound fetch.
type Getter interface {
	Get(ctx context.Context, target string) (*fetch.Response, error)
}

// Options configures a Resolver.
type Options struct {
	Getter      Getter
	ProxyPrefix string
	Rules       RuleSet
	Cache       *cache.Group[Result]
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Resolver fetches pages and extracts previews. It is safe for concurrent use.
type Resolver struct {
	getter      Getter
	proxyPrefix string
	rules       RuleSet
	cache       *cache.Group[Result]
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewResolver builds a Resolver. Empty rule chains fall back to DefaultRules.
func NewResolver(opts Options) *Resolver {
	rules := opts.Rules
	if len(rules.Title) == 0 && len(rules.Image) == 0 {
		rules = DefaultRules()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := opts.ProxyPrefix
	if prefix == "" {
		prefix = "/image-proxy"
	}
	return &Resolver{
		getter:      opts.Getter,
		proxyPrefix: prefix,
		rules:       rules,
		cache:       opts.Cache,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "link-preview"),
	}
}

// CacheLen reports memoised previews.
func (r *Resolver) CacheLen() int {
	return r.cache.Len()
}

// errUnavailable marks a resolution that failed for transient reasons. The
// empty Result it stands for must not be memoised.
var errUnavailable = errors.New("preview unavailable")

// Resolve fetches target and extracts its preview. It never fails; a
// transport error, an unexpected content type or a read error all yield
// an empty Result. target must already have passed Validate.
func (r *Resolver) Resolve(ctx context.Context, target *url.URL) Result {
	res, _ := r.ResolveCacheable(ctx, target)
	return res
}

// ResolveCacheable is Resolve that also reports whether the Result is stable
// enough for downstream caches. Transient failures and abandoned requests are
// not.
func (r *Resolver) ResolveCacheable(ctx context.Context, target *url.URL) (Result, bool) {
	key := target.String()
	res, hit, err := r.cache.Get(ctx, key, func(ctx context.Context) (Result, bool, error) {
		res, outcome := r.resolve(ctx, key)
		r.metrics.ObserveOutcome(outcome)
		switch outcome {
		case OutcomeFetchError, OutcomeReadError, OutcomePanic:
			return res, false, fmt.Errorf("%w: %s", errUnavailable, outcome)
		}
		return res, true, nil
	})
	if r.cache != nil {
		r.metrics.ObserveCache("preview", hit)
	}
	if err != nil {
		if !errors.Is(err, errUnavailable) {
			r.logger.Debug("preview abandoned", "url", key, "error", err)
		}
		return Result{}, false
	}
	return res, true
}

func (r *Resolver) resolve(ctx context.Context, target string) (res Result, outcome string) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("preview panicked", "url", target, "panic", p)
			res, outcome = Result{}, OutcomePanic
		}
	}()

	start := time.Now()
	resp, err := r.getter.Get(ctx, target)
	r.metrics.ObserveUpstream("link-preview", time.Since(start))
	if err != nil {
		r.logger.Debug("preview fetch failed", "url", target, "error", err)
		return Result{}, OutcomeFetchError
	}
	defer resp.Close()

	contentType := strings.ToLower(resp.ContentType())
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return Result{Image: resp.FinalURL.String()}, OutcomeImage
	case !strings.Contains(contentType, "text/html"):
		return Result{}, OutcomeNonHTML
	}

	doc, err := resp.Text()
	if err != nil {
		r.logger.Debug("preview read failed", "url", target, "error", err)
		return Result{}, OutcomeReadError
	}
	return Extract(doc, resp.FinalURL, r.rules, r.proxyPrefix), OutcomeExtracted
}

// Extract applies rules to an HTML document fetched from base.
func Extract(doc string, base *url.URL, rules RuleSet, proxyPrefix string) Result {
	d := scanDocument(doc)
	image := ResolveReference(base, d.first(rules.Image))
	return Result{
		Title: CleanTitle(d.first(rules.Title)),
		Image: ProxyURL(proxyPrefix, image),
	}
}

var titlePolicy = bluemonday.StrictPolicy()

// CleanTitle strips markup, decodes entities and trims surrounding
// whitespace. Inner whitespace is left as the page wrote it.
func CleanTitle(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(titlePolicy.Sanitize(s)))
}
