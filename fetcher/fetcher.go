// Package fetcher implements the network leg used by the caching strategies.
package fetcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"

	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	recorder "github.com/always-cache/swcache/pkg/response-recorder"

	"github.com/rs/zerolog"
)

// conditionalHeaders are dropped from GET requests so that the network always
// answers with a full response that can be stored.
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
}

type HTTPFetcher struct {
	originURL  *url.URL
	originHost string
	client     *http.Client
	log        zerolog.Logger
}

type Config struct {
	// URL of the origin server. Relative request URLs are sent here.
	OriginURL *url.URL
	// Hostname to use for HTTP requests and TLS negotiation with the origin.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Transport to use, http.DefaultTransport if nil.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

func NewHTTPFetcher(config Config) *HTTPFetcher {
	f := &HTTPFetcher{
		originURL:  config.OriginURL,
		originHost: config.OriginHost,
		client: &http.Client{
			Transport: config.Transport,
			// do not follow redirects, the page does that
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	// use console logger if not specified in config
	if config.Logger == nil {
		f.log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		f.log = *config.Logger
	}
	// use provided hostname for origin if configured
	if f.client.Transport == nil && f.originHost != "" {
		f.client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: f.originHost,
			},
		}
	}
	return f
}

// Fetch sends the request to the network.
func (f *HTTPFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	target := cachekey.AbsoluteURL(r, f.originURL)
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", target, err)
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	dropConditionals(req)
	if f.originHost != "" && f.isOrigin(target) {
		req.Host = f.originHost
	}
	f.log.Trace().Str("method", req.Method).Str("url", target.String()).Msg("Fetching from network")
	return f.client.Do(req)
}

func (f *HTTPFetcher) isOrigin(u *url.URL) bool {
	return f.originURL != nil && u.Host == f.originURL.Host
}

// HandlerFetcher uses an http.Handler as the network.
// It is used when the cache wraps a handler as middleware.
type HandlerFetcher struct {
	Next http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := r.Clone(ctx)
	dropConditionals(req)
	rec := recorder.New()
	f.Next.ServeHTTP(rec, req)
	return rec.Response(req), nil
}

// dropConditionals removes validators of the page's own HTTP cache from safe requests.
// Unsafe requests keep them, they are forwarded untouched.
func dropConditionals(req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return
	}
	for _, name := range conditionalHeaders {
		req.Header.Del(name)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
