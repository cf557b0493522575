// Package scopes derives token scopes from group memberships and
// provides the small set operations the decision engine needs.
package scopes

import (
	"sort"
	"strings"
)

// Well-known scopes with behavior attached to them.
const (
	// UserToken is granted to every authenticated user and allows
	// self-service token management.
	UserToken = "user:token"

	// AdminToken marks token administrators and allows managing any
	// user's tokens and the admin list.
	AdminToken = "admin:token"
)

// FromGroups derives the scopes granted by a set of group names under
// the configured mapping. The result is sorted and duplicate-free and
// always includes user:token.
func FromGroups(mapping map[string][]string, groups []string) []string {
	member := make(map[string]bool, len(groups))
	for _, g := range groups {
		member[g] = true
	}

	granted := map[string]bool{UserToken: true}
	for scope, grantingGroups := range mapping {
		for _, g := range grantingGroups {
			if member[g] {
				granted[scope] = true
				break
			}
		}
	}
	return sorted(granted)
}

// Parse splits a space- or comma-separated scope string into a sorted,
// duplicate-free slice. Empty input yields a nil slice.
func Parse(s string) []string {
	set := make(map[string]bool)
	for _, part := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ','
	}) {
		set[part] = true
	}
	if len(set) == 0 {
		return nil
	}
	return sorted(set)
}

// Join renders a scope slice in the canonical space-separated form used
// in JWT scope claims and WWW-Authenticate challenges.
func Join(scopes []string) string {
	out := make([]string, len(scopes))
	copy(out, scopes)
	sort.Strings(out)
	return strings.Join(out, " ")
}

// Subset reports whether every scope in want is present in have.
func Subset(want, have []string) bool {
	held := make(map[string]bool, len(have))
	for _, s := range have {
		held[s] = true
	}
	for _, s := range want {
		if !held[s] {
			return false
		}
	}
	return true
}

// Intersect returns the sorted intersection of two scope slices.
func Intersect(a, b []string) []string {
	inA := make(map[string]bool, len(a))
	for _, s := range a {
		inA[s] = true
	}
	result := make(map[string]bool)
	for _, s := range b {
		if inA[s] {
			result[s] = true
		}
	}
	if len(result) == 0 {
		return nil
	}
	return sorted(result)
}

// Contains reports whether the slice carries the given scope.
func Contains(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func sorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
