// Package responsetransformer rewrites headers of network responses before they are
// cached and served, according to configured rules.
package responsetransformer

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

// Rule matches requests by path and query.
// Prefix and Path are optional; a rule with neither matches every path.
type Rule struct {
	Prefix string            `yaml:"prefix"`
	Path   string            `yaml:"path"`
	Query  map[string]string `yaml:"query"`
	// Cache-Control to set if the response has none.
	Default string `yaml:"default"`
	// Cache-Control to set regardless of the response.
	Override string            `yaml:"override"`
	Headers  map[string]string `yaml:"headers"`
	// Headers to remove, e.g. validators that change on every render.
	Remove []string `yaml:"remove"`
}

// Apply applies the first matching rule to a successful GET response.
// It has the signature of a response modifier.
func (r Rules) Apply(res *http.Response) error {
	if res.Request == nil || res.Request.Method != http.MethodGet {
		return nil
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil
	}
	if rule := r.find(res.Request); rule != nil {
		applyRuleToResponse(*rule, res)
	}
	return nil
}

func applyRuleToResponse(rule Rule, res *http.Response) {
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		res.Header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && res.Header.Get("Cache-Control") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		res.Header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		res.Header.Set(name, value)
	}
	for _, name := range rule.Remove {
		res.Header.Del(name)
	}
}

func (r Rules) find(req *http.Request) *Rule {
	log.Trace().Msgf("Finding rule for request %s", req.URL.Path)
rulesLoop:
	for i := range r {
		rule := &r[i]
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return rule
	}
	return nil
}
