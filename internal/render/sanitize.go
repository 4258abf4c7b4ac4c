// Package render turns the message tree into a display model for the local
// browser view. All user supplied text passes through bluemonday before it
// leaves this package.
package render

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const maxNickLength = 36

var (
	// nicks are plain text
	nickPolicy = bluemonday.StrictPolicy()

	// message content is plain text with linkified urls
	contentPolicy = bluemonday.NewPolicy().
			AllowElements("br").
			AllowAttrs("href").OnElements("a").
			AllowURLSchemes("http", "https").
			AllowRelativeURLs(false).
			RequireNoFollowOnLinks(true).
			AddTargetBlankToFullyQualifiedLinks(true)

	linkPattern = regexp.MustCompile(`https?://[^\s<>"']+[^\s<>"'.,;:!?)\]]`)
)

// Nick returns name as plain text with markup stripped, collapsing runs of
// whitespace and capping its length. The result is meant for textContent,
// not innerHTML. Empty names render as "anon".
func Nick(name string) string {
	clean := html.UnescapeString(nickPolicy.Sanitize(html.UnescapeString(name)))
	clean = strings.Join(strings.Fields(clean), " ")
	if r := []rune(clean); len(r) > maxNickLength {
		clean = string(r[:maxNickLength])
	}
	if clean == "" {
		return "anon"
	}
	return clean
}

// Content renders a message body as HTML: the text is escaped, newlines
// become <br> and http(s) urls become links.
func Content(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	var b strings.Builder
	last := 0
	for _, loc := range linkPattern.FindAllStringIndex(text, -1) {
		b.WriteString(html.EscapeString(text[last:loc[0]]))
		u := html.EscapeString(text[loc[0]:loc[1]])
		fmt.Fprintf(&b, `<a href="%s">%s</a>`, u, u)
		last = loc[1]
	}
	b.WriteString(html.EscapeString(text[last:]))
	out := strings.ReplaceAll(b.String(), "\n", "<br>")
	return contentPolicy.Sanitize(out)
}

// HueColor is the CSS background color for a sender hue.
func HueColor(hue int) string {
	return fmt.Sprintf("hsl(%d, 65%%, 85%%)", hue)
}
