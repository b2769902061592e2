package dag

import "github.com/bmatcuk/doublestar/v4"

// FailRoute is the sentinel route label an agent reports on failure.
// The default route predicate matches everything except it.
const FailRoute = "fail"

// RouteMatches reports whether an outcome's reported route satisfies a
// dependency edge's pattern. An empty pattern, or the explicit
// match-all ".*", means the default predicate: any route except the
// literal fail sentinel. Both the fan-out path and the dependency
// decrement path go through this one predicate.
func RouteMatches(pattern, route string) bool {
	if pattern == "" || pattern == ".*" || pattern == "*" {
		return route != FailRoute
	}
	ok, err := doublestar.Match(pattern, route)
	if err != nil {
		return false
	}
	return ok
}
