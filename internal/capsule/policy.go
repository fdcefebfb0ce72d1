package capsule

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/simpleaide/internal/config"
	"github.com/Iron-Ham/simpleaide/internal/errors"
)

// ImmutableMatcher decides whether a repository path requires approval to
// change. *PathMatcher implements it.
type ImmutableMatcher interface {
	Match(path string) bool
}

// SecretScanner inspects proposed content. *Scanner implements it.
type SecretScanner interface {
	Scan(content string) []errors.SecretFinding
}

// Policy holds the two gates every capsule write passes through.
type Policy struct {
	Immutable ImmutableMatcher
	Secrets   SecretScanner
}

// PolicyFromConfig builds the default Policy from capsule configuration.
func PolicyFromConfig(cfg config.CapsuleConfig) (Policy, error) {
	matcher, err := NewPathMatcher(cfg.ImmutablePaths)
	if err != nil {
		return Policy{}, err
	}
	return Policy{
		Immutable: matcher,
		Secrets:   NewScanner(cfg.EntropyThreshold, cfg.MinSecretLength),
	}, nil
}

// PathMatcher matches repository-relative paths against immutable path
// patterns. A pattern is one of:
//   - a glob ("**/*.pem", "config/*.key"), matched with '/' as separator
//   - a directory prefix ending in '/' (".github/workflows/")
//   - an exact path, which also covers everything beneath it (".env")
type PathMatcher struct {
	patterns []string
	exact    []string
	prefixes []string
	globs    []glob.Glob
}

// NewPathMatcher compiles patterns. An invalid glob is an error.
func NewPathMatcher(patterns []string) (*PathMatcher, error) {
	m := &PathMatcher{patterns: append([]string(nil), patterns...)}
	for _, p := range patterns {
		p = strings.TrimPrefix(strings.TrimSpace(p), "./")
		switch {
		case p == "":
			continue
		case strings.ContainsAny(p, "*?[{"):
			g, err := glob.Compile(p, '/')
			if err != nil {
				return nil, errors.NewValidationError(fmt.Sprintf("invalid immutable path pattern %q", p)).WithCause(err)
			}
			m.globs = append(m.globs, g)
			// "**/x" also matches x at the repository root.
			if rest, ok := strings.CutPrefix(p, "**/"); ok {
				if g, err := glob.Compile(rest, '/'); err == nil {
					m.globs = append(m.globs, g)
				}
			}
		case strings.HasSuffix(p, "/"):
			m.prefixes = append(m.prefixes, p)
		default:
			m.exact = append(m.exact, p)
		}
	}
	return m, nil
}

// Patterns returns the patterns the matcher was built from.
func (m *PathMatcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// Match reports whether p is immutable. p is normalized first.
func (m *PathMatcher) Match(p string) bool {
	p = normalizeForMatch(p)
	if p == "" {
		return false
	}
	for _, e := range m.exact {
		if p == e || strings.HasPrefix(p, e+"/") {
			return true
		}
	}
	for _, prefix := range m.prefixes {
		if strings.HasPrefix(p, prefix) || p == strings.TrimSuffix(prefix, "/") {
			return true
		}
	}
	for _, g := range m.globs {
		if g.Match(p) {
			return true
		}
	}
	return false
}

// IsPathImmutable reports whether p matches any of immutablePaths. Invalid
// glob patterns never match.
func IsPathImmutable(p string, immutablePaths []string) bool {
	m, err := NewPathMatcher(immutablePaths)
	if err != nil {
		return false
	}
	return m.Match(p)
}

func normalizeForMatch(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}
