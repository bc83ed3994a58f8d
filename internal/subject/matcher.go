// Package subject implements dotted-segment subject syntax and wildcard
// matching. Subjects address the durable bus: "factory.line1.temp". Patterns
// may use "*" for exactly one segment and ">" for one-or-more trailing
// segments; ">" is only legal as the final token.
package subject

import "strings"

const (
	// TokenWildcard matches exactly one segment at its position.
	TokenWildcard = "*"
	// TokenTail matches one or more remaining segments; trailing only.
	TokenTail = ">"
)

// MaxLength is the longest subject the gateway accepts on the wire.
const MaxLength = 256

// Matches reports whether pattern captures s. s may itself be a pattern, as
// subscribe filters are: in that case the result is true only when pattern
// covers every concrete subject s can match, so an allow-list entry
// authorizes a wildcard filter only by subsuming it entirely.
//
// Evaluated segment by segment, left to right:
//   - a literal pattern segment must equal the same literal in s
//   - "*" covers any single segment, literal or "*"
//   - ">" covers the non-empty remainder, however deep
//
// Either side being syntactically invalid (empty, leading/trailing/adjacent
// dots, misplaced ">") makes the result false; Matches is total.
func Matches(pattern, s string) bool {
	if !ValidPattern(pattern) || !ValidPattern(s) {
		return false
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(s, ".")

	for i, seg := range pt {
		if seg == TokenTail {
			// Tail needs at least one remaining segment.
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		switch st[i] {
		case TokenTail:
			// s reaches deeper than any remaining pattern segments allow.
			return false
		case TokenWildcard:
			if seg != TokenWildcard {
				return false
			}
		default:
			if seg != TokenWildcard && seg != st[i] {
				return false
			}
		}
	}
	return len(st) == len(pt)
}

// Allowed reports whether any pattern in the allow-list captures s, which
// may be a concrete subject or a subscribe filter.
func Allowed(patterns []string, s string) bool {
	for _, p := range patterns {
		if Matches(p, s) {
			return true
		}
	}
	return false
}

// Valid reports whether s is a syntactically valid concrete subject:
// non-empty dotted segments over the allowed alphabet, no wildcards.
func Valid(s string) bool {
	return validTokens(s, false)
}

// ValidPattern reports whether p is a syntactically valid subscribe/publish
// pattern: like Valid but "*" segments are allowed anywhere and ">" as the
// final token.
func ValidPattern(p string) bool {
	return validTokens(p, true)
}

func validTokens(s string, wildcards bool) bool {
	if s == "" || len(s) > MaxLength {
		return false
	}
	tokens := strings.Split(s, ".")
	for i, tok := range tokens {
		switch tok {
		case "":
			// Empty token means a leading, trailing, or doubled dot.
			return false
		case TokenWildcard:
			if !wildcards {
				return false
			}
		case TokenTail:
			if !wildcards || i != len(tokens)-1 {
				return false
			}
		default:
			if !validSegment(tok) {
				return false
			}
		}
	}
	return true
}

// validSegment checks the literal-segment alphabet: letters, digits,
// underscore, and hyphen. Dots separate segments and never appear inside one.
func validSegment(seg string) bool {
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// Segment returns the i-th segment of s, or "" when out of range.
// Used by the historian to recover line identifiers from "factory.<line>.…".
func Segment(s string, i int) string {
	tokens := strings.Split(s, ".")
	if i < 0 || i >= len(tokens) {
		return ""
	}
	return tokens[i]
}
