package policy

import (
	"errors"
	"fmt"
)

// ErrInvalidGroup is wrapped by every [NewResolver] validation error.
var ErrInvalidGroup = errors.New("policy: invalid group")

type resolvedGroup struct {
	name string
	pol  *Policy
}

// Resolver maps full gRPC method names to method groups. It is immutable
// and safe for concurrent use.
type Resolver struct {
	groups []resolvedGroup
	ix     *index
}

// NewResolver validates the groups and builds a Resolver. Every group needs
// a unique non-empty name and at least one rule, and all of its regex rules
// must compile. A group without a policy gets the zero Policy.
func NewResolver(builders ...*GroupBuilder) (*Resolver, error) {
	res := &Resolver{groups: make([]resolvedGroup, 0, len(builders))}
	seen := make(map[string]bool, len(builders))
	for i, b := range builders {
		switch {
		case b == nil:
			return nil, fmt.Errorf("%w: group %d is nil", ErrInvalidGroup, i)
		case b.name == "":
			return nil, fmt.Errorf("%w: group %d has no name", ErrInvalidGroup, i)
		case seen[b.name]:
			return nil, fmt.Errorf("%w: duplicate group %q", ErrInvalidGroup, b.name)
		case b.err != nil:
			return nil, fmt.Errorf("%w: group %q: %w", ErrInvalidGroup, b.name, b.err)
		case len(b.rules) == 0:
			return nil, fmt.Errorf("%w: group %q has no rules", ErrInvalidGroup, b.name)
		}
		seen[b.name] = true

		pol := b.policy
		if pol == nil {
			pol = &Policy{}
		}
		res.groups = append(res.groups, resolvedGroup{name: b.name, pol: pol})
	}
	res.ix = newIndex(builders)
	return res, nil
}

// MustNewResolver is like [NewResolver] but panics on invalid groups.
func MustNewResolver(builders ...*GroupBuilder) *Resolver {
	r, err := NewResolver(builders...)
	if err != nil {
		panic(err)
	}
	return r
}

// Groups returns the group names in registration order.
func (res *Resolver) Groups() []string {
	names := make([]string, len(res.groups))
	for i, g := range res.groups {
		names[i] = g.name
	}
	return names
}

// Resolve finds the best-matching group for fullMethod.
//
// Exact matches beat prefix matches, which beat regex matches. Among
// matches of the same kind the longer match wins, and on a tie the group
// registered first wins. If no group matches, ok is false.
func (res *Resolver) Resolve(fullMethod string) (groupName string, pol *Policy, ok bool) {
	i, ok := res.ix.lookup(fullMethod)
	if !ok {
		return "", nil, false
	}
	g := res.groups[i]
	return g.name, g.pol, true
}
