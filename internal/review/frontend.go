package review

import (
	"github.com/gobwas/glob"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
)

// DefaultFrontendGlobs classifies the usual web asset layout.
func DefaultFrontendGlobs() []string {
	return []string{
		"**.tsx",
		"**.jsx",
		"**.vue",
		"**.svelte",
		"**.css",
		"**.scss",
		"**.html",
		"web/**",
		"frontend/**",
		"public/**",
	}
}

// FrontendMatcher classifies changed file paths as frontend or not.
type FrontendMatcher struct {
	globs []glob.Glob
}

// NewFrontendMatcher compiles the given patterns. Path separators are
// treated literally so `web/**` does not match `web-archive/`.
func NewFrontendMatcher(patterns []string) (*FrontendMatcher, error) {
	m := &FrontendMatcher{globs: make([]glob.Glob, 0, len(patterns))}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errors.Wrapf(err, "compiling frontend glob %q", p)
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// Match reports whether the path matches any frontend pattern.
func (m *FrontendMatcher) Match(path string) bool {
	for _, g := range m.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// MatchAny reports whether any of the paths is a frontend file.
func (m *FrontendMatcher) MatchAny(paths []string) bool {
	for _, p := range paths {
		if m.Match(p) {
			return true
		}
	}
	return false
}
