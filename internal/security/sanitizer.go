package security

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
)

// Finding is one suspicious pattern matched in inbound text.
type Finding struct {
	Category string
	Pattern  string
}

// DefaultSanitizerPatterns flag common injection markers by category.
var DefaultSanitizerPatterns = map[string][]string{
	"template_injection": {`\{\{.*\}\}`, `\$\{[^}]*\}`, `<%.*%>`},
	"script":             {`(?i)<script\b`, `(?i)javascript:`, `(?i)\bon(load|error|click)\s*=`},
	"sql_injection":      {`(?i)\bunion\s+select\b`, `(?i);\s*drop\s+table\b`, `(?i)'\s*or\s+'?1'?\s*=\s*'?1`},
	"command_injection":  {`\$\([^)]*\)`, "`[^`]+`", `&&\s*rm\s`, `;\s*rm\s+-rf`, `\|\s*(sh|bash)\b`},
}

// Sanitizer inspects inbound text. It never modifies or blocks content.
type Sanitizer struct {
	rules []sanitizerRule
}

type sanitizerRule struct {
	category string
	re       *regexp.Regexp
}

// NewSanitizer compiles patterns by category. Plain strings become
// case-insensitive substring matches.
func NewSanitizer(patterns map[string][]string) (*Sanitizer, error) {
	s := &Sanitizer{}
	for _, cat := range slices.Sorted(maps.Keys(patterns)) {
		compiled, err := compilePatterns(patterns[cat])
		if err != nil {
			return nil, fmt.Errorf("sanitizer category %s: %w", cat, err)
		}
		for _, re := range compiled {
			s.rules = append(s.rules, sanitizerRule{category: cat, re: re})
		}
	}
	return s, nil
}

// Inspect returns every rule text matches, at most one per category.
func (s *Sanitizer) Inspect(text string) []Finding {
	if s == nil || text == "" {
		return nil
	}
	var (
		out  []Finding
		seen = make(map[string]bool)
	)
	for _, r := range s.rules {
		if seen[r.category] {
			continue
		}
		if r.re.MatchString(text) {
			seen[r.category] = true
			out = append(out, Finding{Category: r.category, Pattern: r.re.String()})
		}
	}
	return out
}

// compilePatterns compiles regex-looking patterns directly and treats
// everything else as a literal substring.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var (
			re  *regexp.Regexp
			err error
		)
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '.', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}

