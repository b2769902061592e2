package types

import "regexp"

// varRefPattern matches @var("name") references embedded in target agent
// ids, script code, and step arguments.
var varRefPattern = regexp.MustCompile(`@var\("([^"]+)"\)`)

// IsVarRef reports whether s is a single variable reference.
func IsVarRef(s string) bool {
	m := varRefPattern.FindStringSubmatch(s)
	return m != nil && m[0] == s
}

// ResolveVarRef resolves a single @var("name") reference against the
// given scopes in order. Earlier scopes win, so callers pass
// task vars, then job vars, then team vars. Returns false when s is a
// reference that no scope defines. A non-reference string resolves to
// itself.
func ResolveVarRef(s string, scopes ...RuntimeVars) (string, bool) {
	m := varRefPattern.FindStringSubmatch(s)
	if m == nil || m[0] != s {
		return s, true
	}
	return lookupVar(m[1], scopes)
}

// InterpolateVars replaces every @var("name") reference in s with its
// resolved value. Unresolvable references are left in place so the
// failure is visible downstream rather than silently blanked.
func InterpolateVars(s string, scopes ...RuntimeVars) string {
	return varRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		name := varRefPattern.FindStringSubmatch(ref)[1]
		if v, ok := lookupVar(name, scopes); ok {
			return v
		}
		return ref
	})
}

func lookupVar(name string, scopes []RuntimeVars) (string, bool) {
	for _, scope := range scopes {
		if v, ok := scope[name]; ok {
			return v.Value, true
		}
	}
	return "", false
}
