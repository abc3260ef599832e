// Copyright 2024-2026 Aiku AI

package gitea

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/aiku/matrix-gitea-bridge/pkg/bridge/markup"
)

// UnknownPrefix starts the diagnostic returned for unrecognized payloads.
const UnknownPrefix = "Unknown: "

// Translate renders evt as a markdown notification. For unknown events it
// returns the diagnostic "Unknown: <payload>" and false. Every field taken
// from the payload is escaped.
func Translate(evt *Event) (string, bool) {
	switch evt.Kind {
	case KindCreate:
		return fmt.Sprintf("%s created repository %s", senderName(evt.Sender), link(evt.Repository.FullName, evt.Repository.HTMLURL)), true
	case KindDelete:
		return fmt.Sprintf("%s deleted repository %s", senderName(evt.Sender), link(evt.Repository.FullName, evt.Repository.HTMLURL)), true
	case KindPush:
		return translatePush(evt), true
	default:
		return UnknownPrefix + evt.RawString(), false
	}
}

func translatePush(evt *Event) string {
	var sb strings.Builder
	noun := "commits"
	if len(evt.Commits) == 1 {
		noun = "commit"
	}
	branch := evt.Branch()
	branchURL := ""
	if evt.Repository.HTMLURL != "" {
		branchURL = strings.TrimSuffix(evt.Repository.HTMLURL, "/") + "/src/branch/" + escapePath(branch)
	}
	fmt.Fprintf(&sb, "%s pushed %d %s\n", senderName(evt.Sender), len(evt.Commits), noun)
	fmt.Fprintf(&sb, "to %s in %s:", link(branch, branchURL), link(evt.Repository.FullName, evt.Repository.HTMLURL))
	for _, commit := range evt.Commits {
		sb.WriteByte('\n')
		sb.WriteString(markup.EscapeMarkdown(commit.Subject()))
	}
	return sb.String()
}

func senderName(u User) string {
	name := u.Name()
	if name == "" {
		return "Someone"
	}
	return "**" + markup.EscapeMarkdown(name) + "**"
}

// link renders a markdown link to target, or the bare text when target is
// not an http(s) URL.
func link(text, target string) string {
	escaped := markup.EscapeMarkdown(text)
	u, err := url.Parse(target)
	if target == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || strings.ContainsAny(target, "<>\n ") {
		return escaped
	}
	return "[" + escaped + "](<" + target + ">)"
}

// escapePath escapes every segment of a slash separated branch name.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
