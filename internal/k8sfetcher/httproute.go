package k8sfetcher

import (
	"fmt"

	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"

	"github.com/flowmesh/discovery/internal/model"
)

// RouteRulesFromHTTPRoute converts a Gateway API HTTPRoute into the
// route-rule payload shape the rule-based router consumes. Each HTTPRoute
// rule's matches become RuleMatch clauses; each backendRef becomes a
// weighted destination subset selecting instances by a
// "service"=<backend name> metadata label. Callers running an HTTPRoute
// watcher feed the result to Handler.OnUpdate under KindRouteRule.
func RouteRulesFromHTTPRoute(route *gatewayv1.HTTPRoute) []model.RouteRule {
	if route == nil {
		return nil
	}

	hostnames := make([]string, 0, len(route.Spec.Hostnames))
	for _, h := range route.Spec.Hostnames {
		hostnames = append(hostnames, string(h))
	}

	rules := make([]model.RouteRule, 0, len(route.Spec.Rules))
	for _, rule := range route.Spec.Rules {
		dests := destinationsFromBackendRefs(rule.BackendRefs)

		out := model.RouteRule{Hostnames: hostnames}
		if len(rule.Matches) == 0 {
			out.Matches = []model.RuleMatch{{Destinations: dests}}
		}
		for _, m := range rule.Matches {
			out.Matches = append(out.Matches, ruleMatchFromHTTPRouteMatch(m, dests))
		}
		rules = append(rules, out)
	}
	return rules
}

// RouteRuleRevision derives the registry revision string for a
// converted HTTPRoute, combining name and resource version the same way
// the EndpointSlice path does.
func RouteRuleRevision(route *gatewayv1.HTTPRoute) string {
	if route == nil {
		return ""
	}
	return fmt.Sprintf("%s-%s", route.ResourceVersion, route.Name)
}

func ruleMatchFromHTTPRouteMatch(m gatewayv1.HTTPRouteMatch, dests []model.WeightedSubset) model.RuleMatch {
	out := model.RuleMatch{Destinations: dests}

	if m.Path != nil && m.Path.Value != nil {
		pm := &model.PathMatch{Value: *m.Path.Value, Type: model.PathMatchPathPrefix}
		if m.Path.Type != nil {
			switch *m.Path.Type {
			case gatewayv1.PathMatchExact:
				pm.Type = model.PathMatchExact
			case gatewayv1.PathMatchRegularExpression:
				pm.Type = model.PathMatchRegularExpression
			}
		}
		out.Path = pm
	}

	if m.Method != nil {
		method := string(*m.Method)
		out.Method = &method
	}

	for _, h := range m.Headers {
		hm := model.HeaderMatch{Name: string(h.Name), Value: h.Value}
		if h.Type != nil && *h.Type == gatewayv1.HeaderMatchRegularExpression {
			hm.Type = model.MatchTypeRegularExpression
		}
		out.Headers = append(out.Headers, hm)
	}

	for _, q := range m.QueryParams {
		qm := model.QueryParamMatch{Name: string(q.Name), Value: q.Value}
		if q.Type != nil && *q.Type == gatewayv1.QueryParamMatchRegularExpression {
			qm.Type = model.MatchTypeRegularExpression
		}
		out.QueryParams = append(out.QueryParams, qm)
	}

	return out
}

func destinationsFromBackendRefs(refs []gatewayv1.HTTPBackendRef) []model.WeightedSubset {
	dests := make([]model.WeightedSubset, 0, len(refs))
	for _, ref := range refs {
		weight := 1
		if ref.Weight != nil {
			weight = int(*ref.Weight)
		}
		dests = append(dests, model.WeightedSubset{
			SubsetLabels: map[string]string{"service": string(ref.Name)},
			Weight:       weight,
		})
	}
	return dests
}
