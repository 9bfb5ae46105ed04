package preview

import (
	"net/url"
	"strings"
)

// InputError rejects a request before any fetch. Message is client-facing.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

var (
	ErrMissingURL    = &InputError{Message: "Missing url parameter."}
	ErrInvalidURL    = &InputError{Message: "Invalid URL."}
	ErrInvalidScheme = &InputError{Message: "Invalid URL protocol."}
)

// Validate accepts only absolute http and https URLs with a host.
func Validate(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return nil, ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrInvalidScheme
	}
	if u.Host == "" || u.Hostname() == "" {
		return nil, ErrInvalidURL
	}
	return u, nil
}

// ResolveReference makes candidate absolute against base, the post-redirect
// URL of the fetched document. data: URIs pass through untouched, and a
// candidate that does not parse is returned as is.
func ResolveReference(base *url.URL, candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return ""
	}
	if isDataURI(candidate) || base == nil {
		return candidate
	}
	ref, err := url.Parse(candidate)
	if err != nil {
		return candidate
	}
	return base.ResolveReference(ref).String()
}

// ProxyURL rewrites an absolute image URL into the same-origin proxy form
// prefix?url=<escaped>. Empty input and data: URIs are returned unchanged.
func ProxyURL(prefix, absolute string) string {
	if absolute == "" || isDataURI(absolute) {
		return absolute
	}
	return prefix + "?url=" + url.QueryEscape(absolute)
}

func isDataURI(s string) bool {
	return len(s) >= 5 && strings.EqualFold(s[:5], "data:")
}
