package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrMalformedKey = errors.New("malformed cache key")

const methodSeparator = " "

// Key returns the request descriptor used to address a cached response.
// Only the method and the absolute URL take part in it, request headers never do.
func Key(method string, absoluteURL *url.URL) string {
	u := *absoluteURL
	// fragments are never sent to the network
	u.Fragment = ""
	u.RawFragment = ""
	return strings.ToUpper(method) + methodSeparator + u.String()
}

// FromRequest returns the cache key for a request.
// Relative request URLs (as received by a server) are resolved against origin.
func FromRequest(r *http.Request, origin *url.URL) string {
	return Key(r.Method, AbsoluteURL(r, origin))
}

// AbsoluteURL returns the absolute URL a request targets.
// If the request URL already has a host it is used as is.
// Without an origin, relative URLs resolve against the request Host.
func AbsoluteURL(r *http.Request, origin *url.URL) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}
	if origin == nil {
		if r.Host == "" {
			return r.URL
		}
		origin = &url.URL{Scheme: "http", Host: r.Host}
		if r.TLS != nil {
			origin.Scheme = "https"
		}
	}
	u := origin.ResolveReference(&url.URL{
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	})
	return u
}

// Parse splits a key into its method and URL.
func Parse(key string) (string, *url.URL, error) {
	method, rawURL, found := strings.Cut(key, methodSeparator)
	if !found || method == "" {
		return "", nil, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if !u.IsAbs() {
		return "", nil, fmt.Errorf("%w: url %q is not absolute", ErrMalformedKey, rawURL)
	}
	return method, u, nil
}

// RequestFromKey creates a request equal (caching-wise) to the one that produced the key.
func RequestFromKey(key string) (*http.Request, error) {
	method, u, err := Parse(key)
	if err != nil {
		return nil, err
	}
	return http.NewRequest(method, u.String(), nil)
}
