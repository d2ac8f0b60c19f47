// Package taputil contains small helpers shared by the tap packages.
package taputil

import (
	"cmp"
)

// ParseOptional parses s, returning def if s is empty. Unlike a lenient
// default, a non-empty s which fails to parse is an error.
func ParseOptional[T any](s string, parse func(string) (T, error), def T) (T, error) {
	if s == "" {
		return def, nil
	}
	return parse(s)
}

// Clamp v to the closed interval [min, max], substituting def for the zero
// value.
func Clamp[T cmp.Ordered](v, min, def, max T) T {
	var zero T
	switch {
	case v == zero:
		return def
	case v < min:
		return min
	case v > max:
		return max
	default:
		return v
	}
}
