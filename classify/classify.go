// Package classify maps request URLs to the caching policy that serves them.
package classify

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

type Kind string

const (
	// Never cached, never served stale.
	Passthrough Kind = "passthrough"
	// Network-first.
	API Kind = "api"
	// Stale-while-revalidate.
	Page Kind = "page"
	// Cache-first.
	Static Kind = "static"
)

// Rule overrides the built-in classification for matching paths.
// Exactly one of Prefix and Path should be set.
type Rule struct {
	Prefix string `yaml:"prefix"`
	Path   string `yaml:"path"`
	Kind   Kind   `yaml:"kind"`
}

func (r Rule) matches(p string) bool {
	if r.Path != "" {
		return r.Path == p
	}
	return r.Prefix != "" && strings.HasPrefix(p, r.Prefix)
}

type Classifier struct {
	// External geocoding service. Requests to it bypass the cache.
	GeocodingHost string
	// Photo CDN. Images from it are served cache-first.
	PhotoCDNHost string
	// Client-side routes of the app that are served as HTML pages.
	AppRoutes []string
	// File extensions (with the dot) of static assets.
	StaticExtensions []string
	// Optional overrides, checked in order before the built-in rules.
	Rules []Rule
}

// DefaultStaticExtensions are the asset extensions of the app build.
var DefaultStaticExtensions = []string{
	".css", ".js", ".mjs", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico",
	".woff", ".woff2", ".ttf", ".json", ".webmanifest",
}

// Classify returns the caching policy for a URL. The first matching rule wins:
//
//  1. geocoding host: passthrough
//  2. configured rules
//  3. /api/ prefix: API
//  4. .html, "/" or a known app route: page
//  5. /static/ prefix, static extension or photo CDN host: static
//  6. anything else: API
func (c Classifier) Classify(u *url.URL) Kind {
	host := u.Hostname()
	if c.GeocodingHost != "" && strings.EqualFold(host, c.GeocodingHost) {
		return Passthrough
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	for _, rule := range c.Rules {
		if rule.Kind != Passthrough && rule.matches(p) {
			return rule.Kind
		}
	}
	if strings.HasPrefix(p, "/api/") {
		return API
	}
	if strings.HasSuffix(p, ".html") || p == "/" || c.isAppRoute(p) {
		return Page
	}
	if strings.HasPrefix(p, "/static/") || c.hasStaticExtension(p) ||
		(c.PhotoCDNHost != "" && strings.EqualFold(host, c.PhotoCDNHost)) {
		return Static
	}
	return API
}

func (c Classifier) isAppRoute(p string) bool {
	for _, route := range c.AppRoutes {
		if route == p {
			return true
		}
	}
	return false
}

func (c Classifier) hasStaticExtension(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	extensions := c.StaticExtensions
	if extensions == nil {
		extensions = DefaultStaticExtensions
	}
	for _, e := range extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// Bypass returns a non-empty reason if the request must go to the network untouched.
func (c Classifier) Bypass(r *http.Request, u *url.URL) string {
	if r.Method != http.MethodGet {
		return "method"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "scheme"
	}
	if c.Classify(u) == Passthrough {
		return "passthrough"
	}
	return ""
}
