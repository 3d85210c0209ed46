package identity

import "strings"

// Local parts that never get a reply. Exact matches plus a substring
// family check catch the common mailer-generated senders.
var autoReplyLocalParts = map[string]bool{
	"no-reply":      true,
	"noreply":       true,
	"mailer-daemon": true,
	"postmaster":    true,
	"bounce":        true,
	"bounces":       true,
	"do-not-reply":  true,
	"donotreply":    true,
	"auto-reply":    true,
	"autoreply":     true,
	"notifications": true,
	"notification":  true,
}

var autoReplyLocalSubstrings = []string{
	"no-reply",
	"noreply",
	"mailer-daemon",
	"donotreply",
}

// Subject prefixes of vacation responders and bounce notices.
var autoReplySubjectPrefixes = []string{
	"out of office",
	"automatic reply",
	"auto reply",
	"autoreply",
	"undeliverable",
	"delivery status notification",
	"delivery failure",
	"mail delivery failed",
	"returned mail",
	"failure notice",
}

// IsAutoReply reports whether a message looks machine-generated.
// Replying to these would loop with the sending system.
func IsAutoReply(fromAddr, subject string) bool {
	local := strings.ToLower(localPart(strings.TrimSpace(fromAddr)))
	if autoReplyLocalParts[local] {
		return true
	}
	for _, sub := range autoReplyLocalSubstrings {
		if strings.Contains(local, sub) {
			return true
		}
	}

	subj := strings.ToLower(strings.TrimSpace(subject))
	for _, prefix := range autoReplySubjectPrefixes {
		if strings.HasPrefix(subj, prefix) {
			return true
		}
	}
	return false
}
