// Package match holds the pure pattern matching used by permission
// evaluation: capability patterns and resource scopes. Absence of a match is
// a valid false, never an error.
package match

import "strings"

// Capability reports whether a requested capability id satisfies a pattern.
// "*" and "**" match anything; a pattern ending in ".*" matches any
// capability sharing its prefix with that suffix stripped; anything else
// requires exact equality.
func Capability(requested, pattern string) bool {
	if pattern == "*" || pattern == "**" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(requested, pattern[:len(pattern)-2])
	}
	return requested == pattern
}

// ResourceScope reports whether a resource satisfies any scope in the list.
// A scope of "**" matches anything. A scope containing "**" matches when the
// resource carries, as a literal prefix, the scope with its first "**"
// occurrence removed. Anything else requires exact equality.
//
// The wildcard handling is a literal-prefix reduction, not globbing: the
// scope "**/src/**" reduces to the prefix "/src/**", which only matches
// resources that literally start with that text. Scope authors must keep the
// wildcard at the very front ("src/**", "apps/web/**") for prefix semantics
// to do what they expect. Kept as-is for compatibility with existing policy
// documents.
func ResourceScope(resource string, scopes []string) bool {
	for _, scope := range scopes {
		if scope == "**" {
			return true
		}
		if strings.Contains(scope, "**") {
			if strings.HasPrefix(resource, strings.Replace(scope, "**", "", 1)) {
				return true
			}
			continue
		}
		if resource == scope {
			return true
		}
	}
	return false
}

// Branch reports whether a branch name satisfies any pattern in the list,
// using the same literal-prefix semantics as ResourceScope. Used for
// auto-merge branch lists.
func Branch(branch string, patterns []string) bool {
	return ResourceScope(branch, patterns)
}
