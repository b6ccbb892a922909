package policy

import (
	"regexp"
	"strings"
)

// hit is a rule match, ranked by kind, then matched length, then group
// registration order.
type hit struct {
	kind   matchKind
	length int
	group  int
}

func (h hit) beats(o hit) bool {
	if h.kind != o.kind {
		return h.kind < o.kind
	}
	if h.length != o.length {
		return h.length > o.length
	}
	return h.group < o.group
}

type prefixRule struct {
	pattern string
	group   int
}

type regexRule struct {
	re    *regexp.Regexp
	group int
}

// index flattens the rules of all groups. Exact rules are a map lookup since
// an exact match outranks every other kind.
type index struct {
	exact  map[string]int
	prefix []prefixRule
	regex  []regexRule
}

func newIndex(groups []*GroupBuilder) *index {
	ix := &index{exact: make(map[string]int)}
	for i, g := range groups {
		for _, r := range g.rules {
			switch r.kind {
			case kindExact:
				if _, taken := ix.exact[r.pattern]; !taken {
					ix.exact[r.pattern] = i
				}
			case kindPrefix:
				ix.prefix = append(ix.prefix, prefixRule{pattern: r.pattern, group: i})
			case kindRegex:
				ix.regex = append(ix.regex, regexRule{re: r.re, group: i})
			}
		}
	}
	return ix
}

// lookup returns the index of the best-matching group.
func (ix *index) lookup(fullMethod string) (int, bool) {
	if g, ok := ix.exact[fullMethod]; ok {
		return g, true
	}

	best := hit{kind: -1}
	consider := func(h hit) {
		if best.kind < 0 || h.beats(best) {
			best = h
		}
	}
	for _, r := range ix.prefix {
		if strings.HasPrefix(fullMethod, r.pattern) {
			consider(hit{kind: kindPrefix, length: len(r.pattern), group: r.group})
		}
	}
	// Any prefix match outranks every regex match.
	if best.kind < 0 {
		for _, r := range ix.regex {
			if loc := r.re.FindStringIndex(fullMethod); loc != nil {
				consider(hit{kind: kindRegex, length: loc[1] - loc[0], group: r.group})
			}
		}
	}
	return best.group, best.kind >= 0
}
