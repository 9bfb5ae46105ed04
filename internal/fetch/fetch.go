// Package fetch performs the single outbound GET each handler is allowed.
package fetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"
)

// ErrBodyTooLarge is returned by Response.Bytes when the body exceeds the cap.
var ErrBodyTooLarge = errors.New("response body too large")

// Options controls one outbound client.
type Options struct {
	UserAgent    string
	Referer      string
	Accept       string
	Timeout      time.Duration
	DialTimeout  time.Duration
	MaxRedirects int
	MaxBodyBytes int64
	BlockPrivate bool
}

// Client wraps an http.Client with a fixed identity and body limits.
// Credentials and cookies are never forwarded.
type Client struct {
	client       *http.Client
	userAgent    string
	referer      string
	accept       string
	maxBodyBytes int64
}

// New builds a Client. Zero values fall back to conservative defaults.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 * 1024 * 1024
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}

	dialer := &net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	if opts.BlockPrivate {
		dialer.ControlContext = denyPrivate
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.DialTimeout,
		ResponseHeaderTimeout: opts.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	maxRedirects := opts.MaxRedirects
	return &Client{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
					return fmt.Errorf("redirect to unsupported scheme %q", req.URL.Scheme)
				}
				return nil
			},
		},
		userAgent:    opts.UserAgent,
		referer:      opts.Referer,
		accept:       opts.Accept,
		maxBodyBytes: opts.MaxBodyBytes,
	}
}

// Response is an open upstream response. Callers must Close it.
type Response struct {
	StatusCode int
	Header     http.Header
	// FinalURL is the URL of the last request in the redirect chain.
	FinalURL *url.URL

	body     io.Reader
	closers  []io.Closer
	maxBytes int64
}

// Get issues a GET for target. Any status code is a successful Get; callers
// decide what a non-2xx means to them.
func (c *Client) Get(ctx context.Context, target string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.referer != "" {
		req.Header.Set("Referer", c.referer)
	}
	if c.accept != "" {
		req.Header.Set("Accept", c.accept)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL.Redacted(), err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		FinalURL:   req.URL,
		body:       resp.Body,
		closers:    []io.Closer{resp.Body},
		maxBytes:   c.maxBodyBytes,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		out.FinalURL = resp.Request.URL
	}

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		out.body = gz
		out.closers = append(out.closers, gz)
	case "br":
		out.body = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		out.body = fl
		out.closers = append(out.closers, fl)
	}
	return out, nil
}

// ContentType returns the declared Content-Type header, possibly empty.
func (r *Response) ContentType() string {
	return r.Header.Get("Content-Type")
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Bytes reads the whole decoded body. Bodies over the cap fail with ErrBodyTooLarge.
func (r *Response) Bytes() ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, r.maxBytes)
	}
	return data, nil
}

// Text reads at most the capped prefix of the body and converts it to UTF-8
// using the declared or sniffed charset. Oversized documents are truncated
// rather than rejected.
func (r *Response) Text() (string, error) {
	limited := io.LimitReader(r.body, r.maxBytes)
	reader, err := charset.NewReader(limited, r.ContentType())
	if err != nil {
		reader = limited
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(data), nil
}

// Close releases the body and any decoders stacked on it.
func (r *Response) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
