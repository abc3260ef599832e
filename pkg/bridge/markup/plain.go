// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package markup

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

// plainRule rewrites every match of re. Template rules use regexp expansion,
// the others build the replacement from the submatches.
type plainRule struct {
	re       *regexp.Regexp
	template string
	build    func(groups []string) string
}

var (
	listItemRe = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	lineBreak  = regexp.MustCompile(`<br\s*/?>\n?`)
	paragraph  = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	extraBlank = regexp.MustCompile(`\n{3,}`)
)

// plainRules run in order: code before inline styles so code spans keep
// their content, block elements before the final tag strip.
var plainRules = []plainRule{
	{re: regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)},
	{re: regexp.MustCompile(`(?s)<pre><code[^>]*>(.*?)</code></pre>`), template: "```\n$1\n```"},
	{re: regexp.MustCompile(`(?s)<code[^>]*>(.*?)</code>`), template: "`$1`"},
	{re: regexp.MustCompile(`(?s)<(?:strong|b)>(.*?)</(?:strong|b)>`), template: "**$1**"},
	{re: regexp.MustCompile(`(?s)<(?:em|i)>(.*?)</(?:em|i)>`), template: "_${1}_"},
	{re: regexp.MustCompile(`(?s)<(?:del|s)>(.*?)</(?:del|s)>`), template: "~~$1~~"},
	{re: regexp.MustCompile(`(?s)<a href="([^"]+)"[^>]*>(.*?)</a>`), build: func(g []string) string {
		if g[1] == g[2] {
			return g[1]
		}
		return "[" + g[2] + "](" + g[1] + ")"
	}},
	{re: regexp.MustCompile(`(?s)<h([1-6])>(.*?)</h[1-6]>`), build: func(g []string) string {
		level, _ := strconv.Atoi(g[1])
		return strings.Repeat("#", level) + " " + g[2]
	}},
	{re: regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`), build: func(g []string) string {
		inner := paragraph.ReplaceAllString(lineBreak.ReplaceAllString(g[1], "\n"), "$1\n")
		lines := strings.Split(strings.TrimSpace(inner), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n") + "\n"
	}},
	{re: regexp.MustCompile(`(?s)<ul>(.*?)</ul>`), build: func(g []string) string {
		return listItems(g[1], func(int) string { return "- " })
	}},
	{re: regexp.MustCompile(`(?s)<ol>(.*?)</ol>`), build: func(g []string) string {
		return listItems(g[1], func(i int) string { return strconv.Itoa(i+1) + ". " })
	}},
	{re: paragraph, template: "$1\n\n"},
	{re: lineBreak, template: "\n"},
	{re: regexp.MustCompile(`<[^>]+>`)},
}

func listItems(inner string, marker func(i int) string) string {
	items := listItemRe.FindAllStringSubmatch(inner, -1)
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = marker(i) + strings.TrimSpace(item[1])
	}
	return strings.Join(lines, "\n") + "\n"
}

func (r plainRule) apply(text string) string {
	if r.build == nil {
		return r.re.ReplaceAllString(text, r.template)
	}
	return r.re.ReplaceAllStringFunc(text, func(match string) string {
		return r.build(r.re.FindStringSubmatch(match))
	})
}

// ToPlain extracts the text of a Matrix message. HTML formatted bodies are
// reduced to markdown-like text with reply fallbacks removed; otherwise the
// plain body is returned.
func ToPlain(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}
	text := content.FormattedBody
	for _, rule := range plainRules {
		text = rule.apply(text)
	}
	text = html.UnescapeString(text)
	text = extraBlank.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
