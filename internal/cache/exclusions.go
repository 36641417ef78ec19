package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList decides whether responses from a model must bypass the
// cache. Rules are either exact model names or Go regular expressions, and
// are matched against both the bare model ("gpt-4o") and the qualified
// "provider/model" form ("openai/gpt-4o").
//
// A nil *ExclusionList never matches.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles the rules. An invalid pattern is an error so
// misconfiguration surfaces at startup.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{exact: make(map[string]struct{}, len(exact))}

	for _, e := range exact {
		if e != "" {
			el.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// Excludes reports whether provider/model must not be cached.
func (el *ExclusionList) Excludes(provider, model string) bool {
	if el == nil {
		return false
	}
	qualified := provider + "/" + model
	for _, name := range []string{model, qualified} {
		if _, ok := el.exact[name]; ok {
			return true
		}
	}
	for _, re := range el.patterns {
		if re.MatchString(model) || re.MatchString(qualified) {
			return true
		}
	}
	return false
}

// Len returns the number of configured rules.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
