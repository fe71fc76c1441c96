package content

import (
	"bytes"
	"html/template"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy = bluemonday.UGCPolicy()

	// snippetPolicy keeps only the highlight markup the search endpoint emits.
	snippetPolicy = bluemonday.NewPolicy().AllowElements("mark", "em", "b")

	markdown = goldmark.New()
)

// Sanitize removes unsafe HTML from text arriving over the wire. Every
// message body passes through here at the transport boundary before it can
// reach the store.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Snippet sanitizes a server-provided search snippet, keeping the highlight
// tags and dropping everything else.
func Snippet(input string) string {
	return snippetPolicy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// RenderPreview renders a TEXT message body as sanitized HTML for directory
// previews. Rendering failures fall back to the escaped plain text.
func RenderPreview(input string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return Escape(input)
	}
	return strings.TrimSpace(policy.Sanitize(buf.String()))
}
