package indexer

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultExercisePattern recognizes ex1, Ex-2, exercise_3b, excercise-4 ...
const DefaultExercisePattern = `(?i)^(ex(?:c?ercise)?[-_ ]?\d+[a-z]?)`

// Matcher decides whether a directory (or file stem) names an exercise and
// returns the canonical exercise name.
type Matcher interface {
	Match(name string) (exercise string, ok bool)
}

type MatcherFunc func(name string) (string, bool)

func (f MatcherFunc) Match(name string) (string, bool) {
	return f(name)
}

// PrefixMatcher accepts names starting with one of the prefixes, compared
// case-insensitively. The exercise is the full name.
type PrefixMatcher struct {
	prefixes []string
}

func NewPrefixMatcher(prefixes ...string) *PrefixMatcher {
	lowered := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			lowered = append(lowered, strings.ToLower(p))
		}
	}
	return &PrefixMatcher{prefixes: lowered}
}

func (m *PrefixMatcher) Match(name string) (string, bool) {
	lower := strings.ToLower(name)
	for _, p := range m.prefixes {
		if strings.HasPrefix(lower, p) && len(lower) > len(p) {
			return name, true
		}
	}
	return "", false
}

// RegexpMatcher names the exercise after the first capture group, or the
// whole match when the pattern has no groups. Names are lower-cased so that
// Ex1 and ex1 in different submissions are the same exercise.
type RegexpMatcher struct {
	re *regexp.Regexp
}

func NewRegexpMatcher(pattern string) (*RegexpMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid exercise pattern: %w", err)
	}
	return &RegexpMatcher{re: re}, nil
}

func (m *RegexpMatcher) Match(name string) (string, bool) {
	sub := m.re.FindStringSubmatch(name)
	if sub == nil {
		return "", false
	}
	res := sub[0]
	if len(sub) > 1 && sub[1] != "" {
		res = sub[1]
	}
	res = strings.ToLower(res)
	if res == "" {
		return "", false
	}
	return res, true
}

// AnyMatcher treats every name as an exercise.
type AnyMatcher struct{}

func (AnyMatcher) Match(name string) (string, bool) {
	return name, name != ""
}

// NewMatcher picks a matcher from configuration: an explicit pattern wins,
// then prefixes, then DefaultExercisePattern.
func NewMatcher(pattern string, prefixes []string) (Matcher, error) {
	if pattern == "*" {
		return AnyMatcher{}, nil
	}
	if pattern != "" {
		return NewRegexpMatcher(pattern)
	}
	if pm := NewPrefixMatcher(prefixes...); len(pm.prefixes) > 0 {
		return pm, nil
	}
	return NewRegexpMatcher(DefaultExercisePattern)
}
