// Package routing holds the path-prefix matching shared by the rate limiter,
// the auth middleware, and the admin guard.
package routing

import "strings"

// MatchesPrefix reports whether path lies under prefix. A match must end on a
// segment boundary, so "/api" matches "/api/generate" but not "/apiary".
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}

// LongestMatch returns the longest prefix in prefixes that path lies under.
func LongestMatch(path string, prefixes []string) (string, bool) {
	best := ""
	for _, p := range prefixes {
		if len(p) > len(best) && MatchesPrefix(path, p) {
			best = p
		}
	}
	return best, best != ""
}

// MatchesAny reports whether path lies under any of prefixes.
func MatchesAny(path string, prefixes []string) bool {
	_, ok := LongestMatch(path, prefixes)
	return ok
}
