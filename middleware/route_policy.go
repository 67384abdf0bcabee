package middleware

import (
	"fmt"
	"net/http"
	"path"
	"strings"
)

// RouteRule requires Capability for requests matching Pattern and Method.
// Pattern is either a path.Match glob ("/api/v1/orders/*") or a subtree
// ending in "/**" ("/api/v1/admin/**"). An empty Method or "*" matches any
// method.
type RouteRule struct {
	Pattern    string
	Method     string
	Capability string
}

// RoutePolicy is an ordered rule table; the first matching rule wins
type RoutePolicy struct {
	rules []RouteRule
}

// NewRoutePolicy validates and copies the rules
func NewRoutePolicy(rules []RouteRule) (*RoutePolicy, error) {
	out := make([]RouteRule, 0, len(rules))
	for i, rule := range rules {
		if !strings.HasPrefix(rule.Pattern, "/") {
			return nil, fmt.Errorf("rule %d: pattern %q must start with /", i, rule.Pattern)
		}
		if rule.Capability == "" {
			return nil, fmt.Errorf("rule %d: capability is required", i)
		}
		if !strings.HasSuffix(rule.Pattern, "/**") {
			if _, err := path.Match(rule.Pattern, "/"); err != nil {
				return nil, fmt.Errorf("rule %d: invalid pattern %q: %w", i, rule.Pattern, err)
			}
		}
		rule.Method = strings.ToUpper(rule.Method)
		out = append(out, rule)
	}
	return &RoutePolicy{rules: out}, nil
}

// MustRoutePolicy is NewRoutePolicy for static tables
func MustRoutePolicy(rules []RouteRule) *RoutePolicy {
	p, err := NewRoutePolicy(rules)
	if err != nil {
		panic(err)
	}
	return p
}

// Match returns the first rule covering the request
func (p *RoutePolicy) Match(method, requestPath string) (RouteRule, bool) {
	if p == nil {
		return RouteRule{}, false
	}
	method = strings.ToUpper(method)
	if method == http.MethodHead {
		method = http.MethodGet
	}
	for _, rule := range p.rules {
		if rule.Method != "" && rule.Method != "*" && rule.Method != method {
			continue
		}
		if matchPattern(rule.Pattern, requestPath) {
			return rule, true
		}
	}
	return RouteRule{}, false
}

// Rules returns a copy of the table
func (p *RoutePolicy) Rules() []RouteRule {
	if p == nil {
		return nil
	}
	return append([]RouteRule(nil), p.rules...)
}

func matchPattern(pattern, requestPath string) bool {
	if root, ok := strings.CutSuffix(pattern, "/**"); ok {
		return requestPath == root || strings.HasPrefix(requestPath, root+"/")
	}
	matched, err := path.Match(pattern, requestPath)
	return err == nil && matched
}
