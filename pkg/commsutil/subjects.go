package commsutil

import (
	"strings"
)

// Default COMMS subjects.
const (
	SubjectDispatch    = "commandbus.dispatch.v1"
	SubjectEventPrefix = "commandbus.events"
)

var subjectReplacer = strings.NewReplacer(" ", "_", "*", "_", ">", "_", "\t", "_")

// BuildEventSubject maps a message type onto a subject under prefix.
// Wildcard and whitespace characters in msgType are replaced so the subject stays literal.
func BuildEventSubject(prefix, msgType string) string {
	safe := subjectReplacer.Replace(msgType)
	if prefix == "" {
		return safe
	}
	return prefix + "." + safe
}

// EventTypeFromSubject strips prefix from an event subject. ok is false when subject is not
// under prefix.
func EventTypeFromSubject(prefix, subject string) (msgType string, ok bool) {
	if prefix == "" {
		return subject, subject != ""
	}
	rest, found := strings.CutPrefix(subject, prefix+".")
	if !found || rest == "" {
		return "", false
	}
	return rest, true
}

// WildcardSubject returns the subject matching every event under prefix.
func WildcardSubject(prefix string) string {
	if prefix == "" {
		return ">"
	}
	return prefix + ".>"
}
