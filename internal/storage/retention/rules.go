package retention

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/xtxerr/statline/config"
	"github.com/xtxerr/statline/internal/errors"
)

// Rule assigns a lifetime and a suggested bucket size to metric names
// matching Pattern.
//
// In a pattern, "#" matches any run of characters (including dots) and "+"
// matches exactly one dot-separated segment. "lib.#" matches "lib.cpu" and
// "lib.net.rx"; "lib.+.rx" matches "lib.net.rx" only.
type Rule struct {
	Pattern      string
	LifetimeDays int // 0 keeps rows forever
	SizeSec      int

	re          *regexp.Regexp
	specificity int
}

// DefaultRule applies when no pattern matches.
func DefaultRule() Rule {
	return Rule{
		Pattern:      "#",
		LifetimeDays: config.DefaultLifetimeDays,
		SizeSec:      config.DefaultResolutionSec,
	}
}

// Rules selects the most specific matching rule for a metric name.
// Rules is immutable after NewRules and safe for concurrent use.
type Rules struct {
	rules    []Rule
	fallback Rule
}

// NewRules compiles rules. The fallback is used when nothing matches.
func NewRules(fallback Rule, rules ...Rule) (*Rules, error) {
	if fallback.LifetimeDays < 0 {
		return nil, errors.NewInvalidValue("default lifetime", fallback.LifetimeDays, "must not be negative")
	}

	compiled := make([]Rule, 0, len(rules))
	for _, r := range rules {
		c, err := compile(r)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, c)
	}

	// Most specific first; ties broken by pattern for a stable order.
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].specificity != compiled[j].specificity {
			return compiled[i].specificity > compiled[j].specificity
		}
		return compiled[i].Pattern < compiled[j].Pattern
	})

	return &Rules{rules: compiled, fallback: fallback}, nil
}

func compile(r Rule) (Rule, error) {
	if strings.TrimSpace(r.Pattern) == "" {
		return r, errors.NewMissingField("retention rule pattern")
	}
	if r.LifetimeDays < 0 {
		return r, errors.NewInvalidValue("lifetime_days", r.LifetimeDays, fmt.Sprintf("rule %q: must not be negative", r.Pattern))
	}

	var expr strings.Builder
	expr.WriteByte('^')
	for _, ch := range r.Pattern {
		switch ch {
		case '#':
			expr.WriteString(`.*`)
		case '+':
			expr.WriteString(`[^.]+`)
		default:
			expr.WriteString(regexp.QuoteMeta(string(ch)))
			r.specificity++
		}
	}
	expr.WriteByte('$')

	re, err := regexp.Compile(expr.String())
	if err != nil {
		return r, errors.NewInvalidValue("retention rule pattern", r.Pattern, err.Error())
	}
	r.re = re
	return r, nil
}

// Lookup returns the rule for name: the matching rule with the most literal
// characters, or the fallback.
func (r *Rules) Lookup(name string) Rule {
	for _, rule := range r.rules {
		if rule.re.MatchString(name) {
			return rule
		}
	}
	return r.fallback
}

// Len returns the number of configured rules, excluding the fallback.
func (r *Rules) Len() int {
	return len(r.rules)
}
