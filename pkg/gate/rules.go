package gate

import (
	"fmt"
	"strings"

	"github.com/talentkit/entitlement/pkg/entitlement"
)

// RouteClass is the policy class a route falls into.
type RouteClass int

const (
	ClassUnrestricted RouteClass = iota
	ClassBypassed
	ClassAdminOnly
	ClassProOnly
	ClassUsageMetered
)

func (c RouteClass) String() string {
	switch c {
	case ClassBypassed:
		return "bypassed"
	case ClassAdminOnly:
		return "admin_only"
	case ClassProOnly:
		return "pro_only"
	case ClassUsageMetered:
		return "usage_metered"
	default:
		return "unrestricted"
	}
}

// Rule classifies routes matching a pattern. Patterns are slash-separated;
// "*" matches exactly one segment and a trailing "**" matches the rest of
// the path. Method "" matches every method. First matching rule wins.
type Rule struct {
	Method  string
	Pattern string
	Class   RouteClass
	// Feature names the metered feature family for usage_metered routes.
	Feature entitlement.UsageType
	// DenyHeavyMode additionally denies the heavy processing mode of this
	// route to non-entitled accounts.
	DenyHeavyMode bool
}

type compiledRule struct {
	Rule
	segments []string
	tailWild bool
}

// Compile validates and compiles the ordered rule set. Called once at
// startup; evaluation never parses patterns again.
func Compile(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.Pattern == "" || !strings.HasPrefix(r.Pattern, "/") {
			return nil, fmt.Errorf("%w: rule %d pattern %q must start with /", ErrInvalidRule, i, r.Pattern)
		}
		if r.Class == ClassUsageMetered && r.Feature == "" {
			return nil, fmt.Errorf("%w: rule %d is usage_metered without a feature", ErrInvalidRule, i)
		}

		cr := compiledRule{Rule: r}
		trimmed := strings.Trim(r.Pattern, "/")
		if trimmed != "" {
			cr.segments = strings.Split(trimmed, "/")
		}
		if n := len(cr.segments); n > 0 && cr.segments[n-1] == "**" {
			cr.segments = cr.segments[:n-1]
			cr.tailWild = true
		}
		for _, seg := range cr.segments {
			if strings.Contains(seg, "*") && seg != "*" {
				return nil, fmt.Errorf("%w: rule %d has partial wildcard %q", ErrInvalidRule, i, seg)
			}
		}
		compiled = append(compiled, cr)
	}
	return compiled, nil
}

func (cr *compiledRule) matches(method, path string) bool {
	if cr.Method != "" && !strings.EqualFold(cr.Method, method) {
		return false
	}

	var segments []string
	if trimmed := strings.Trim(path, "/"); trimmed != "" {
		segments = strings.Split(trimmed, "/")
	}

	if cr.tailWild {
		if len(segments) < len(cr.segments) {
			return false
		}
	} else if len(segments) != len(cr.segments) {
		return false
	}

	for i, want := range cr.segments {
		if want == "*" {
			continue
		}
		if segments[i] != want {
			return false
		}
	}
	return true
}

// classify returns the first matching rule, or nil for unrestricted routes.
func classify(rules []compiledRule, method, path string) *compiledRule {
	for i := range rules {
		if rules[i].matches(method, path) {
			return &rules[i]
		}
	}
	return nil
}
