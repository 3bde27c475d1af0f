package pubsub

import (
	"fmt"
	"regexp"
	"strings"
)

// CompilePattern translates a glob topic pattern into an anchored regular
// expression: `*` matches any run of characters, `?` exactly one, everything
// else is literal. The same translation is applied by Redis PSUBSCRIBE, so a
// matcher compiled here agrees with the broker's native pattern semantics.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re, nil
}
