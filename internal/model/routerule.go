package model

// RouteRule is the payload shape for DataKind=KindRouteRule. Its
// fields mirror a Gateway API HTTPRoute rule (hostnames,
// path/header/query matches, a weighted backend subset list) so the
// rule-based filter can reuse Gateway-API-style match-priority scoring
// (internal/router/priority.go). This is a wire-shape choice only;
// nothing requires the control plane itself to be Kubernetes.
type RouteRule struct {
	Hostnames []string
	Matches   []RuleMatch
	// Strict, when true, makes the rule filter return RouteRuleNotMatch
	// when no rule matches the request or the matched destination subset
	// has no instances. Without it, no match recovers-all (the full input
	// flagged RecoverAll) and an empty matched subset yields an empty set.
	Strict bool
}

type PathMatchType int

const (
	PathMatchPathPrefix PathMatchType = iota
	PathMatchExact
	PathMatchRegularExpression
)

type MatchType int

const (
	MatchTypeExact MatchType = iota
	MatchTypeRegularExpression
)

type PathMatch struct {
	Type  PathMatchType
	Value string
}

type HeaderMatch struct {
	Name  string
	Value string
	Type  MatchType
}

type QueryParamMatch struct {
	Name  string
	Value string
	Type  MatchType
}

// RuleMatch is one match clause plus the weighted subset labels it routes
// to when it matches. SubsetLabels selects the destination subset (e.g.
// {"canary":"v2"}) the same way a Gateway API backendRef selects a
// Service; here it selects instances by metadata instead.
type RuleMatch struct {
	Path        *PathMatch
	Method      *string
	Headers     []HeaderMatch
	QueryParams []QueryParamMatch
	Destinations []WeightedSubset
}

type WeightedSubset struct {
	SubsetLabels map[string]string
	Weight       int
}
