package machine

import (
	"fmt"
	"slices"

	"github.com/gobwas/glob"
)

// Breakpoints matches node paths ("phase/step/sub-phase") against glob
// patterns. A "*" does not cross a "/"; "**" does.
type Breakpoints struct {
	patterns []string
	globs    []glob.Glob
}

// CompileBreakpoints compiles the given patterns.
func CompileBreakpoints(patterns []string) (*Breakpoints, error) {
	b := &Breakpoints{}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("breakpoint %q: %w", p, err)
		}
		b.patterns = append(b.patterns, p)
		b.globs = append(b.globs, g)
	}
	return b, nil
}

// Patterns returns the source patterns.
func (b *Breakpoints) Patterns() []string {
	if b == nil {
		return nil
	}
	return slices.Clone(b.patterns)
}

// Match returns the first pattern matching path.
func (b *Breakpoints) Match(path string) (string, bool) {
	if b == nil {
		return "", false
	}
	for i, g := range b.globs {
		if g.Match(path) {
			return b.patterns[i], true
		}
	}
	return "", false
}
