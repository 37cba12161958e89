package loop

import (
	"regexp"
	"strings"
)

// promiseRe matches the first <promise>…</promise> span, non-greedy so
// the shortest enclosed text wins. (?s) lets the span cross newlines.
var promiseRe = regexp.MustCompile(`(?s)<promise>(.*?)</promise>`)

// ExtractPromise pulls the completion phrase out of free-form assistant
// text. The extracted span is trimmed and internal whitespace runs are
// collapsed to a single space, so formatting noise in the model output
// cannot break an otherwise exact match. Returns ok=false when the
// markers are absent, unterminated, or enclose nothing.
func ExtractPromise(text string) (string, bool) {
	m := promiseRe.FindStringSubmatch(text)
	if m == nil || m[1] == "" {
		return "", false
	}
	return NormalizePromise(m[1]), true
}

// NormalizePromise canonicalizes a phrase for comparison: leading and
// trailing whitespace trimmed, internal whitespace runs collapsed to
// one space. Applied both to extracted spans and to the configured
// phrase at loop start, so the two sides always compare in the same
// form.
func NormalizePromise(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
