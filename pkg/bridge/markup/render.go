// Copyright 2024-2026 Aiku AI

// Package markup converts between markdown text and Matrix HTML.
//
// Render turns bridge-authored markdown into an HTML formatted body. Raw HTML
// in the source is never passed through and links with unsafe schemes lose
// their target, so untrusted text can be embedded safely. EscapeMarkdown
// neutralizes markdown syntax in untrusted fragments before they are
// concatenated into a message.
package markup

import (
	"bytes"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix/event"
)

// ParsedMessage holds the result of rendering markdown to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

var (
	renderer     goldmark.Markdown
	rendererOnce sync.Once
)

func getRenderer() goldmark.Markdown {
	rendererOnce.Do(func() {
		renderer = goldmark.New(
			goldmark.WithExtensions(
				extension.Strikethrough,
				extension.Linkify,
			),
			goldmark.WithRendererOptions(
				gmhtml.WithHardWraps(),
			),
		)
	})
	return renderer
}

// Render converts markdown text to Matrix HTML. The output is deterministic
// and a lone wrapping paragraph is removed.
func Render(text string) string {
	if text == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := getRenderer().Convert([]byte(text), &buf); err != nil {
		// goldmark only fails on writer errors, which bytes.Buffer never
		// returns.
		return ""
	}
	out := strings.TrimSpace(buf.String())
	if strings.HasPrefix(out, "<p>") && strings.HasSuffix(out, "</p>") && strings.Count(out, "<p>") == 1 {
		out = strings.TrimSuffix(strings.TrimPrefix(out, "<p>"), "</p>")
	}
	return out
}

// Parse renders text and returns both the plain and the formatted form. The
// plain body is derived from the rendered HTML, so markdown escapes do not
// leak into it.
func Parse(text string) *ParsedMessage {
	if text == "" {
		return &ParsedMessage{}
	}
	rendered := Render(text)
	return &ParsedMessage{
		Body:          ToPlain(&event.MessageEventContent{Format: event.FormatHTML, FormattedBody: rendered, Body: text}),
		Format:        event.FormatHTML,
		FormattedBody: rendered,
	}
}

// markdownSpecial lists characters that start inline markdown or HTML.
const markdownSpecial = "\\`*_[]<>~|#!"

// EscapeMarkdown backslash-escapes markdown syntax so the text renders
// literally. Leading list and quote markers on each line are escaped too.
func EscapeMarkdown(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	lineStart := true
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case strings.IndexByte(markdownSpecial, c) >= 0:
			sb.WriteByte('\\')
		case lineStart && (c == '-' || c == '+' || c == '='):
			sb.WriteByte('\\')
		case c == '.' && i > 0 && isDigit(text[i-1]) && leadingDigits(text[:i]):
			sb.WriteByte('\\')
		}
		sb.WriteByte(c)
		lineStart = c == '\n'
	}
	return sb.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// leadingDigits reports whether the current line of prefix consists only of
// digits, which would turn a following dot into an ordered list marker.
func leadingDigits(prefix string) bool {
	if idx := strings.LastIndexByte(prefix, '\n'); idx >= 0 {
		prefix = prefix[idx+1:]
	}
	if prefix == "" {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		if !isDigit(prefix[i]) {
			return false
		}
	}
	return true
}
