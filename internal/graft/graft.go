// Package graft remaps real filesystem path prefixes onto virtual
// archive path prefixes. Rules are pure string rewrites over
// canonicalized absolute paths; no filesystem access happens here.
package graft

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Rule maps one real prefix to one archive prefix.
type Rule struct {
	Real    string
	Archive string
}

// Grafts is an ordered rule list. Apply prefers the longest matching real
// prefix and Unapply the longest matching archive prefix, so nested
// grafts behave predictably in both directions.
type Grafts []Rule

// Parse builds a rule from the "real=archive" flag syntax. A bare path
// grafts to itself (identity), which still pins the subtree.
func Parse(spec string) (Rule, error) {
	real, archive := spec, spec
	if i := strings.IndexByte(spec, '='); i >= 0 {
		real, archive = spec[:i], spec[i+1:]
	}
	if real == "" || archive == "" {
		return Rule{}, fmt.Errorf("graft %q: empty side", spec)
	}
	if !filepath.IsAbs(real) || !filepath.IsAbs(archive) {
		return Rule{}, fmt.Errorf("graft %q: both sides must be absolute", spec)
	}
	return Rule{
		Real:    filepath.Clean(real),
		Archive: filepath.Clean(archive),
	}, nil
}

// Sorted returns the rules ordered longest-archive-prefix first.
func (g Grafts) Sorted() Grafts {
	out := make(Grafts, len(g))
	copy(out, g)
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Archive) > len(out[j].Archive)
	})
	return out
}

// Apply rewrites a real path into archive space. Paths outside every
// rule pass through unchanged. Trailing slashes survive the rewrite.
func (g Grafts) Apply(path string) string {
	rules := make([]Rule, len(g))
	copy(rules, g)
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].Real) > len(rules[j].Real)
	})
	for _, r := range rules {
		if out, ok := rewrite(path, r.Real, r.Archive); ok {
			return out
		}
	}
	return path
}

// Unapply rewrites an archive path back into real space.
func (g Grafts) Unapply(path string) string {
	for _, r := range g.Sorted() {
		if out, ok := rewrite(path, r.Archive, r.Real); ok {
			return out
		}
	}
	return path
}

// rewrite swaps prefix from for to when path sits under from.
func rewrite(path, from, to string) (string, bool) {
	trimmed := strings.TrimSuffix(path, "/")
	if trimmed == from {
		if strings.HasSuffix(path, "/") && path != "/" {
			return to + "/", true
		}
		return to, true
	}
	prefix := from
	if prefix != "/" {
		prefix += "/"
	}
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := path[len(prefix):]
	if to == "/" {
		return "/" + rest, true
	}
	return to + "/" + rest, true
}
