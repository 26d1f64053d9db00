package daemon

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// trailingPunctuationRE strips closing punctuation in several scripts.
var trailingPunctuationRE = regexp.MustCompile(`[.!?…,，。;；:：'"’”)\]}]+$`)

// abortSet matches standalone messages that cancel the running turn.
type abortSet map[string]bool

func newAbortSet(triggers []string) abortSet {
	set := make(abortSet, len(triggers))
	for _, t := range triggers {
		if n := normalizeAbortText(t); n != "" {
			set[n] = true
		}
	}
	return set
}

// Match reports whether text, once normalised, is one of the triggers.
func (s abortSet) Match(text string) bool {
	n := normalizeAbortText(text)
	return n != "" && s[n]
}

// normalizeAbortText applies NFKC, lower-cases, straightens apostrophes,
// drops @mentions and trailing punctuation, and collapses whitespace.
func normalizeAbortText(text string) string {
	s := strings.ToLower(norm.NFKC.String(text))
	s = strings.Map(func(r rune) rune {
		if r == '’' || r == '‘' || r == '`' {
			return '\''
		}
		return r
	}, s)

	fields := strings.Fields(s)
	kept := fields[:0]
	for _, f := range fields {
		if !strings.HasPrefix(f, "@") {
			kept = append(kept, f)
		}
	}
	s = strings.Join(kept, " ")
	s = trailingPunctuationRE.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
