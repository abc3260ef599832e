// Copyright 2024-2026 Aiku AI

// Package gitea turns Gitea webhook deliveries into Matrix notifications.
package gitea

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind identifies the Gitea events the bridge reports.
type Kind int

const (
	KindUnknown Kind = iota
	KindCreate
	KindDelete
	KindPush
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindDelete:
		return "delete"
	case KindPush:
		return "push"
	default:
		return "unknown"
	}
}

// User is the sender of a webhook event.
type User struct {
	Login    string
	FullName string
}

// Name returns the full name, falling back to the login.
func (u User) Name() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Login
}

// Repository is the repository an event happened in.
type Repository struct {
	FullName string
	HTMLURL  string
}

// Commit is one commit of a push.
type Commit struct {
	ID      string
	Message string
	URL     string
}

// Subject returns the first line of the commit message.
func (c Commit) Subject() string {
	subject, _, _ := strings.Cut(c.Message, "\n")
	return strings.TrimRight(subject, "\r")
}

// Event is a parsed webhook payload. Kind is KindUnknown for payloads the
// bridge does not report; Raw always holds the original body.
type Event struct {
	Kind       Kind
	Action     string
	Ref        string
	Sender     User
	Repository Repository
	Commits    []Commit
	Raw        []byte
}

// Branch returns the pushed branch name.
func (e *Event) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// first returns the first non-empty string among the given paths.
func first(obj gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := obj.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// ParseEvent decodes a webhook body. It never fails: bodies that are not
// JSON, or lack the fields of a known event, yield KindUnknown. Both the
// snake_case fields Gitea sends and camelCase variants are accepted.
func ParseEvent(body []byte) *Event {
	evt := &Event{Raw: body}
	if !gjson.ValidBytes(body) {
		return evt
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return evt
	}

	evt.Action = root.Get("action").String()
	evt.Ref = root.Get("ref").String()
	sender := root.Get("sender")
	evt.Sender = User{
		Login:    first(sender, "login", "username"),
		FullName: first(sender, "full_name", "fullName"),
	}
	repo := root.Get("repository")
	evt.Repository = Repository{
		FullName: first(repo, "full_name", "fullName"),
		HTMLURL:  first(repo, "html_url", "htmlUrl"),
	}
	for _, c := range root.Get("commits").Array() {
		evt.Commits = append(evt.Commits, Commit{
			ID:      c.Get("id").String(),
			Message: c.Get("message").String(),
			URL:     c.Get("url").String(),
		})
	}

	if evt.Repository.FullName == "" {
		return evt
	}
	switch {
	case evt.Action == "created":
		evt.Kind = KindCreate
	case evt.Action == "deleted":
		evt.Kind = KindDelete
	case len(evt.Commits) > 0 && evt.Ref != "":
		evt.Kind = KindPush
	}
	return evt
}

// RawString returns the payload for diagnostics, compacted when it is JSON.
func (e *Event) RawString() string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, e.Raw); err == nil {
		return buf.String()
	}
	return string(e.Raw)
}
