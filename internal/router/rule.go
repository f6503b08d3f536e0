package router

import (
	"math/rand/v2"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/flowmesh/discovery/internal/errs"
	"github.com/flowmesh/discovery/internal/model"
)

// RuleFilter is the rule-based router: it matches request attributes
// carried in info.Labels against the target's RouteRule data and
// narrows the candidate set to the matched rule's weighted destination
// subset. Attributes are looked up by convention ("path", "method",
// "header.<Name>", "query.<Name>") rather than a fixed HTTP-request
// struct, so non-HTTP callers can route on whatever labels they
// carry.
type RuleFilter struct {
	cache *filterCache
	rand  *rand.Rand
	mu    sync.Mutex
}

func NewRuleFilter() *RuleFilter {
	return &RuleFilter{cache: newFilterCache(), rand: rand.New(rand.NewPCG(1, 2))}
}

func (f *RuleFilter) Name() string { return "ruleBasedRouter" }

func (f *RuleFilter) CalculateResult(info *model.RouteInfo, svc *model.Service, breakerVersion uint64, in *model.InstancesSet) (*model.InstancesSet, error) {
	rules := info.RouteRuleData.RouteRules()
	if len(rules) == 0 {
		return in, nil
	}

	key := cacheKey{input: in, breakerVersion: breakerVersion, flags: info.RouterFlags, extra: "rule:" + labelSignature(info.Labels)}
	if out, ok := f.cache.get(key); ok {
		return out, nil
	}

	match, strict := selectRule(rules, info.Labels)
	if match == nil {
		if strict {
			return nil, errs.New(errs.KindRouteRuleNotMatch, "no route rule matched request attributes")
		}
		out := in.WithSubset(in.Instances, in.SubsetLabels, true)
		f.cache.put(key, out)
		return out, nil
	}

	dest := f.chooseDestination(match.Destinations)
	filtered := make([]*model.Instance, 0, len(in.Instances))
	for _, inst := range in.Instances {
		if inst.MetadataEquals(dest.SubsetLabels) {
			filtered = append(filtered, inst)
		}
	}
	if len(filtered) == 0 && strict {
		return nil, errs.New(errs.KindRouteRuleNotMatch, "matched route rule's destination subset has no instances")
	}

	out := in.WithSubset(filtered, dest.SubsetLabels, false)
	f.cache.put(key, out)
	return out, nil
}

// selectRule returns the highest-priority RuleMatch whose clauses all
// match labels, and whether the owning rule is strict (no recover-all).
func selectRule(rules []model.RouteRule, labels map[string]string) (*model.RuleMatch, bool) {
	type candidate struct {
		match    *model.RuleMatch
		priority int
		strict   bool
	}
	var candidates []candidate
	for _, rule := range rules {
		for i := range rule.Matches {
			m := &rule.Matches[i]
			if matchClauses(m, labels) {
				candidates = append(candidates, candidate{match: m, priority: MatchPriority(*m), strict: rule.Strict})
			}
		}
	}
	if len(candidates) == 0 {
		return nil, anyStrict(rules)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].priority > candidates[j].priority })
	return candidates[0].match, candidates[0].strict
}

func anyStrict(rules []model.RouteRule) bool {
	for _, r := range rules {
		if r.Strict {
			return true
		}
	}
	return false
}

func matchClauses(m *model.RuleMatch, labels map[string]string) bool {
	if m.Path != nil && !matchValue(m.Path.Type == model.PathMatchRegularExpression, m.Path.Value, labels["path"], m.Path.Type) {
		return false
	}
	if m.Method != nil && labels["method"] != *m.Method {
		return false
	}
	for _, h := range m.Headers {
		if !matchValue(h.Type == model.MatchTypeRegularExpression, h.Value, labels["header."+h.Name], 0) {
			return false
		}
	}
	for _, q := range m.QueryParams {
		if !matchValue(q.Type == model.MatchTypeRegularExpression, q.Value, labels["query."+q.Name], 0) {
			return false
		}
	}
	return true
}

func matchValue(isRegex bool, pattern, actual string, pathType model.PathMatchType) bool {
	if pathType == model.PathMatchPathPrefix {
		return strings.HasPrefix(actual, pattern)
	}
	if isRegex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	}
	return actual == pattern
}

func (f *RuleFilter) chooseDestination(dests []model.WeightedSubset) model.WeightedSubset {
	if len(dests) == 1 {
		return dests[0]
	}
	total := 0
	for _, d := range dests {
		total += d.Weight
	}
	if total <= 0 {
		return dests[0]
	}
	f.mu.Lock()
	pick := f.rand.IntN(total)
	f.mu.Unlock()
	for _, d := range dests {
		if pick < d.Weight {
			return d
		}
		pick -= d.Weight
	}
	return dests[len(dests)-1]
}

func labelSignature(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
		sb.WriteByte(';')
	}
	return sb.String()
}
