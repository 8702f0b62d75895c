package rule

import "github.com/jingkaihe/chaosfs/internal/errx"

type compiled struct {
	rule Rule
	ops  map[Op]bool
}

// Set is an ordered, immutable collection of validated rules.
type Set struct {
	rules []compiled
}

// NewSet validates rules and freezes them in declaration order.
func NewSet(rules []Rule) (*Set, error) {
	s := &Set{rules: make([]compiled, 0, len(rules))}
	for i := range rules {
		r := rules[i]
		if err := r.Validate(); err != nil {
			return nil, errx.With(ErrInvalidRuleSet, ": rule %d: %w", i, err)
		}
		r.Methods = append([]Op(nil), r.Methods...)
		r.Fault.Errnos = append([]WeightedErrno(nil), r.Fault.Errnos...)
		c := compiled{rule: r, ops: make(map[Op]bool)}
		for _, op := range r.EffectiveOps() {
			c.ops[op] = true
		}
		s.rules = append(s.rules, c)
	}
	return s, nil
}

// Match returns the first rule, in declaration order, whose path pattern
// matches path and whose operations include op.
func (s *Set) Match(op Op, path string) (*Rule, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.rules {
		c := &s.rules[i]
		if c.ops[op] && c.rule.MatchPath(path) {
			return &c.rule, true
		}
	}
	return nil, false
}

// Len returns the number of rules.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Rules returns a copy of the rules in declaration order.
func (s *Set) Rules() []Rule {
	if s == nil {
		return nil
	}
	out := make([]Rule, len(s.rules))
	for i := range s.rules {
		out[i] = s.rules[i].rule
	}
	return out
}
