package session

import (
	"regexp"
	"strings"
)

// mentionPattern matches "@nick" as a whole token, case-insensitively.
// Whitespace inside the nick may be present or absent in the mention. Token
// boundaries are Unicode aware, so a letter in any script continues the token.
func mentionPattern(nick string) *regexp.Regexp {
	parts := strings.Fields(nick)
	if len(parts) == 0 {
		return nil
	}
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_@])@` + strings.Join(parts, `\s*`) + `(?:$|[^\p{L}\p{N}_])`)
}

type mentionMatcher struct {
	nick string
	re   *regexp.Regexp
}

func (m *mentionMatcher) match(nick, content string) bool {
	if nick != m.nick {
		m.nick = nick
		m.re = mentionPattern(nick)
	}
	return m.re != nil && m.re.MatchString(content)
}
