// Package types holds the shared data model for agents, environments,
// storage, and cannons. Identifiers are short interned strings matching
// [A-Za-z0-9_-]{1,32}; callers are responsible for generating/validating them,
// this package only carries the shapes.
package types

import "regexp"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// ValidID reports whether s is a well-formed identifier.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}
