// Package utils provides small transport-level helpers that carry no domain
// logic.
package utils

import "strconv"

// AtoiDefault parses s as an int, returning def when s is empty or malformed.
// Query parameters never fail a request over a bad number; they degrade to the
// default.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// TailLimit interprets s as a "last N items" bound over a list of size total.
// It returns how many trailing items to keep: total when s is empty, zero,
// negative, malformed, or larger than the list.
func TailLimit(s string, total int) int {
	n := AtoiDefault(s, 0)
	if n <= 0 || n >= total {
		return total
	}
	return n
}
