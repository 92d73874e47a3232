package orchestrator

import (
	"regexp"
	"strings"
)

// MaxInputLength caps raw prompt length before dispatch.
const MaxInputLength = 2000

var (
	scriptTagRe = regexp.MustCompile(`(?is)<script\b.*?</script>`)
	jsURIRe     = regexp.MustCompile(`(?i)javascript:`)
)

// SanitizeInput trims, caps and strips script-injection substrings from a
// raw prompt. An empty result means the send is a silent no-op.
func SanitizeInput(input string) string {
	s := strings.TrimSpace(input)

	runes := []rune(s)
	if len(runes) > MaxInputLength {
		s = string(runes[:MaxInputLength])
	}

	s = scriptTagRe.ReplaceAllString(s, "")
	s = jsURIRe.ReplaceAllString(s, "")

	return strings.TrimSpace(s)
}
