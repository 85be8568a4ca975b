package event

import "path"

// MatchSubject reports whether a subscription pattern matches a subject.
// Patterns use shell-style globs: `*` matches any run of characters
// including dots, `?` matches a single character. Subjects never contain
// slashes, so path.Match's separator rule never gets in the way.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	ok, err := path.Match(pattern, subject)
	return err == nil && ok
}
