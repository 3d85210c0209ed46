package transport

import (
	"fmt"
	"regexp"
)

// Kind says which state machine an inbound message belongs to, derived
// from its subject tag.
type Kind int

const (
	// KindOther is any message without a protocol subject tag.
	KindOther Kind = iota
	// KindSession is a meeting negotiation reply, subject [AIMP:<id>].
	KindSession
	// KindRoom is a content negotiation reply, subject [AIMP:Room:<id>].
	KindRoom
)

var (
	roomSubjectRe    = regexp.MustCompile(`\[AIMP:Room:([^\]]+)\]`)
	sessionSubjectRe = regexp.MustCompile(`\[AIMP:([^:\]]+)\]`)
	inviteCodeRe     = regexp.MustCompile(`(?i)\[AIMP-INVITE:([^\]]+)\]`)
)

// Classify extracts the protocol tag from a subject line. Room tags are
// checked first since their prefix overlaps the session form.
func Classify(subject string) (Kind, string) {
	if m := roomSubjectRe.FindStringSubmatch(subject); m != nil {
		return KindRoom, m[1]
	}
	if m := sessionSubjectRe.FindStringSubmatch(subject); m != nil {
		return KindSession, m[1]
	}
	return KindOther, ""
}

// FindInviteCode returns the invite code quoted anywhere in the text,
// or "" when none is present. Matching is case-insensitive.
func FindInviteCode(text string) string {
	if m := inviteCodeRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// SessionSubject renders the canonical session subject line.
func SessionSubject(sessionID string, version int, topic string) string {
	return fmt.Sprintf("[AIMP:%s] v%d %s", sessionID, version, topic)
}

// RoomSubject renders the canonical room subject line.
func RoomSubject(roomID, suffix string) string {
	return fmt.Sprintf("[AIMP:Room:%s] %s", roomID, suffix)
}
