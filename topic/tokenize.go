package topic

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrInvalid is returned for nil inputs and malformed filters.
var ErrInvalid = errors.New("topic: invalid argument")

// Tokenize splits a subscription filter into its hierarchy levels.
//
// Every '/' starts a new level, so "a//b" yields ["a", "", "b"], "" yields
// [""] and a trailing '/' yields a trailing empty level. Empty levels are
// kept as "" so positional matching against published names stays aligned.
// *topics is replaced only when tokenizing succeeds.
func Tokenize(subtopic *string, topics *[]string) error {
	if subtopic == nil || topics == nil {
		return ErrInvalid
	}
	s := *subtopic

	levels := make([]string, strings.Count(s, "/")+1)
	start, hier := 0, 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' {
			if start != i {
				levels[hier] = strings.Clone(s[start:i])
			}
			start = i + 1
			hier++
		}
	}
	*topics = levels
	return nil
}

// Free releases a sequence returned by Tokenize.
func Free(topics *[]string) error {
	if topics == nil || len(*topics) < 1 {
		return ErrInvalid
	}
	clear(*topics)
	*topics = nil
	return nil
}

// Split is Tokenize for callers that hold a plain string.
func Split(s string) []string {
	var levels []string
	_ = Tokenize(&s, &levels)
	return levels
}

// ValidFilter reports whether s may be used in SUBSCRIBE: '+' must occupy a
// whole level and '#' must be the last level on its own.
func ValidFilter(s string) bool {
	if s == "" || !utf8.ValidString(s) || strings.ContainsRune(s, 0) {
		return false
	}
	levels := Split(s)
	for i, level := range levels {
		if strings.ContainsAny(level, "+#") && len(level) > 1 {
			return false
		}
		if level == "#" && i != len(levels)-1 {
			return false
		}
	}
	return true
}

// ValidName reports whether s may be used as a PUBLISH topic or will topic.
func ValidName(s string) bool {
	if s == "" || !utf8.ValidString(s) || strings.ContainsRune(s, 0) {
		return false
	}
	return !strings.ContainsAny(s, "+#")
}

// Match reports whether the topic name is matched by filter.
// Names starting with '$' are not matched by a leading wildcard.
func Match(filter, name string) bool {
	f, n := Split(filter), Split(name)
	if len(n) > 0 && strings.HasPrefix(n[0], "$") && len(f) > 0 && (f[0] == "+" || f[0] == "#") {
		return false
	}
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(n) {
			return false
		}
		if level != "+" && level != n[i] {
			return false
		}
	}
	return len(f) == len(n)
}
