// Package router implements the ordered route-filter pipeline:
// rule-based, nearby, set-division, canary, and metadata filters
// composed into a single chain, each memoized by a cache keyed on its
// inputs and the current circuit-breaker version.
package router

import "github.com/flowmesh/discovery/internal/model"

// MatchPriority scores a RuleMatch by specificity so the rule-based
// filter can prefer the most specific match when several rules apply to
// the same request, the same way a Gateway API implementation orders
// HTTPRoute rules for a listener.
func MatchPriority(m model.RuleMatch) int {
	priority := 0

	if m.Path != nil {
		switch m.Path.Type {
		case model.PathMatchExact:
			priority += 10000
		case model.PathMatchPathPrefix:
			priority += 1000 + len(m.Path.Value)*10
		case model.PathMatchRegularExpression:
			priority += 100
		}
	}

	if m.Method != nil {
		priority += 5000
	}

	headerCount := len(m.Headers)
	if headerCount > 16 {
		headerCount = 16
	}
	priority += headerCount * 1000

	queryCount := len(m.QueryParams)
	if queryCount > 16 {
		queryCount = 16
	}
	priority += queryCount * 500

	return priority
}
