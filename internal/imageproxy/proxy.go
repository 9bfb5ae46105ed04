// Package imageproxy re-serves remote images from our own origin so clients
// avoid mixed-content blocks and hotlink protection.
package imageproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tiulpin/board-preview/internal/cache"
	"github.com/tiulpin/board-preview/internal/fetch"
	"github.com/tiulpin/board-preview/internal/metrics"
)

// DefaultContentType is used when the upstream omits Content-Type.
const DefaultContentType = "image/jpeg"

// ErrMissingURL means the request carried no url parameter.
var ErrMissingURL = errors.New("missing url parameter")

// StatusError carries a non-2xx upstream status back to the caller.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.Code, http.StatusText(e.Code))
}

// Image is a fetched image ready to be re-served.
type Image struct {
	Data        []byte
	ContentType string
}

// Getter performs the single outbound fetch.
type Getter interface {
	Get(ctx context.Context, target string) (*fetch.Response, error)
}

// Options configures a Proxy.
type Options struct {
	Getter Getter
	Cache  *cache.Group[Image]
	// MaxEntryBytes bounds which images may be memoised. Zero memoises none.
	MaxEntryBytes int
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Proxy fetches images on behalf of clients. It is safe for concurrent use.
type Proxy struct {
	getter        Getter
	cache         *cache.Group[Image]
	maxEntryBytes int
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// New builds a Proxy.
func New(opts Options) *Proxy {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		getter:        opts.Getter,
		cache:         opts.Cache,
		maxEntryBytes: opts.MaxEntryBytes,
		metrics:       opts.Metrics,
		logger:        logger.With("component", "image-proxy"),
	}
}

// CacheLen reports memoised images.
func (p *Proxy) CacheLen() int {
	return p.cache.Len()
}

// Fetch downloads raw. Non-2xx upstream answers yield a *StatusError; every
// other failure is a plain error the caller reports as a bad gateway.
func (p *Proxy) Fetch(ctx context.Context, raw string) (Image, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Image{}, ErrMissingURL
	}

	img, hit, err := p.cache.Get(ctx, raw, func(ctx context.Context) (Image, bool, error) {
		img, err := p.fetch(ctx, raw)
		if err != nil {
			return Image{}, false, err
		}
		return img, len(img.Data) <= p.maxEntryBytes, nil
	})
	if p.cache != nil {
		p.metrics.ObserveCache("image", hit)
	}
	if err != nil {
		return Image{}, err
	}
	p.metrics.AddProxiedBytes(len(img.Data))
	return img, nil
}

func (p *Proxy) fetch(ctx context.Context, raw string) (Image, error) {
	start := time.Now()
	resp, err := p.getter.Get(ctx, raw)
	p.metrics.ObserveUpstream("image-proxy", time.Since(start))
	if err != nil {
		p.logger.Warn("image fetch failed", "url", raw, "error", err)
		return Image{}, err
	}
	defer resp.Close()

	if !resp.OK() {
		p.logger.Warn("image upstream rejected", "url", raw, "status", resp.StatusCode)
		return Image{}, &StatusError{Code: resp.StatusCode}
	}

	data, err := resp.Bytes()
	if err != nil {
		p.logger.Warn("image read failed", "url", raw, "error", err)
		return Image{}, err
	}

	contentType := resp.ContentType()
	if contentType == "" {
		contentType = DefaultContentType
	}
	return Image{Data: data, ContentType: contentType}, nil
}
