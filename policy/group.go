package policy

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// PacingRule gives a method group its own pacing gate instead of the
// server-wide one.
type PacingRule struct {
	// MaxQueueing is the longest a caller of the group may wait for a slot.
	MaxQueueing time.Duration
	// InitialRate is the starting rate in units per second; zero selects the
	// gate default.
	InitialRate float64
	// MaxRate caps rate growth; zero means unbounded.
	MaxRate float64
}

// Policy holds the configuration that applies to a matched method group.
type Policy struct {
	Pacing  *PacingRule
	Timeout time.Duration
	// Exempt methods bypass pacing entirely.
	Exempt bool
}

// matchKind distinguishes the three matching strategies.
type matchKind int

const (
	kindExact  matchKind = iota // highest priority
	kindPrefix                  // medium priority
	kindRegex                   // lowest priority
)

// rule is a single matching rule inside a group.
type rule struct {
	kind    matchKind
	pattern string         // used for exact and prefix matches
	re      *regexp.Regexp // used for regex matches
}

// GroupBuilder constructs a method group with one or more matching rules and
// a policy.
type GroupBuilder struct {
	name   string
	rules  []rule
	policy *Policy
	err    error
}

// Group starts building a new method group with the given name.
func Group(name string) *GroupBuilder {
	return &GroupBuilder{name: name}
}

// Exact adds an exact-match rule for pattern.
func (g *GroupBuilder) Exact(pattern string) *GroupBuilder {
	g.rules = append(g.rules, rule{kind: kindExact, pattern: pattern})
	return g
}

// Prefix adds a prefix-match rule for pattern.
func (g *GroupBuilder) Prefix(pattern string) *GroupBuilder {
	g.rules = append(g.rules, rule{kind: kindPrefix, pattern: pattern})
	return g
}

// Regex adds a regex-match rule for pattern. A pattern that does not
// compile is reported by [NewResolver].
func (g *GroupBuilder) Regex(pattern string) *GroupBuilder {
	re, err := regexp.Compile(pattern)
	if err != nil {
		g.err = errors.Join(g.err, fmt.Errorf("regex %q: %w", pattern, err))
		return g
	}
	g.rules = append(g.rules, rule{kind: kindRegex, pattern: pattern, re: re})
	return g
}

// Name returns the group name.
func (g *GroupBuilder) Name() string { return g.name }

// Policy attaches a Policy to the group and returns the finished builder.
func (g *GroupBuilder) Policy(p Policy) *GroupBuilder {
	g.policy = &p
	return g
}
