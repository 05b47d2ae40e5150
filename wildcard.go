package inferz

import (
	"strings"
)

// WildcardMatcher matches names against a pattern in which '*' stands for
// any run of characters, including none. Matching is case-sensitive.
type WildcardMatcher struct {
	pattern string
	parts   []string
	prefix  bool // pattern does not start with '*'
	suffix  bool // pattern does not end with '*'
}

// CompileWildcard compiles pattern.
func CompileWildcard(pattern string) WildcardMatcher {
	m := WildcardMatcher{pattern: pattern}
	m.prefix = !strings.HasPrefix(pattern, "*")
	m.suffix = !strings.HasSuffix(pattern, "*")
	for _, p := range strings.Split(pattern, "*") {
		if p != "" {
			m.parts = append(m.parts, p)
		}
	}
	return m
}

// Matches reports whether s matches the pattern.
func (m WildcardMatcher) Matches(s string) bool {
	if len(m.parts) == 0 {
		// Either "" or only wildcards.
		return m.pattern != "" || s == ""
	}
	if len(m.parts) == 1 && m.prefix && m.suffix {
		return s == m.parts[0]
	}

	rest := s
	for i, part := range m.parts {
		switch {
		case i == 0 && m.prefix:
			if !strings.HasPrefix(rest, part) {
				return false
			}
			rest = rest[len(part):]
		case i == len(m.parts)-1 && m.suffix:
			return len(rest) >= len(part) && strings.HasSuffix(rest, part)
		default:
			idx := strings.Index(rest, part)
			if idx < 0 {
				return false
			}
			rest = rest[idx+len(part):]
		}
	}
	return true
}

func (m WildcardMatcher) String() string {
	return m.pattern
}

// WildcardMatchers is a list of patterns. It decodes from a comma
// separated list when loaded through envconfig.
type WildcardMatchers []WildcardMatcher

// ParseWildcards compiles a comma separated list of patterns.
func ParseWildcards(list string) WildcardMatchers {
	var ms WildcardMatchers
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ms = append(ms, CompileWildcard(p))
		}
	}
	return ms
}

// Decode implements envconfig.Decoder.
func (ms *WildcardMatchers) Decode(value string) error {
	*ms = ParseWildcards(value)
	return nil
}

// AnyMatch reports whether any pattern matches s. An empty list matches
// nothing.
func (ms WildcardMatchers) AnyMatch(s string) bool {
	for _, m := range ms {
		if m.Matches(s) {
			return true
		}
	}
	return false
}

func (ms WildcardMatchers) String() string {
	patterns := make([]string, len(ms))
	for i, m := range ms {
		patterns[i] = m.pattern
	}
	return strings.Join(patterns, ",")
}

// FrameFilter decides which stack frames may become inferred spans.
type FrameFilter struct {
	Included WildcardMatchers
	Excluded WildcardMatchers
}

// Accepts reports whether a frame passes the filter. An empty include list
// does not filter.
func (f FrameFilter) Accepts(frame StackFrame) bool {
	name := frame.String()
	if len(f.Included) > 0 && !f.Included.AnyMatch(name) {
		return false
	}
	return !f.Excluded.AnyMatch(name)
}
