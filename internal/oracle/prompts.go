package oracle

import (
	"fmt"
	"strings"
)

const parseReplySystem = `You interpret email replies in a meeting scheduling negotiation.
Given the agenda items and their candidate options, decide what the sender voted for.
If the sender proposes something not in the options, return it verbatim as their choice.
Respond with ONLY a JSON object:
{"votes": {"time": "<choice or null>", "location": "<choice or null>"}, "unclear": "<what is ambiguous, or null>", "action": "accept|counter|escalate"}`

func parseReplyUser(topic string, options map[string][]string, body string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Meeting topic: %s\n\nCurrent options:\n", topic)
	for item, opts := range options {
		fmt.Fprintf(&sb, "- %s: %s\n", item, strings.Join(opts, "; "))
	}
	fmt.Fprintf(&sb, "\nReply from participant:\n%s\n", body)
	return sb.String()
}

const parseMemberSystem = `You are the front desk of a meeting coordination hub.
A registered member sent an email. Decide what they want the hub to do.
Respond with ONLY a JSON object:
{"action": "schedule_meeting|create_room|unclear",
 "topic": "<topic or null>",
 "participants": ["<name or email>", ...],
 "deadline": "<deadline text or null>",
 "initial_proposal": "<proposal text or null>",
 "resolution_rules": "<majority|consensus|initiator_decides or null>",
 "missing": ["<required field the member did not provide>", ...]}`

func parseMemberUser(memberName, subject, body string) string {
	return fmt.Sprintf("Member: %s\nSubject: %s\n\n%s", memberName, subject, body)
}

const parseAmendmentSystem = `You interpret replies in a document negotiation room.
Classify the sender's reply against the current proposal artifacts.
Respond with ONLY a JSON object:
{"action": "PROPOSE|AMEND|ACCEPT|REJECT",
 "changes": "<one-line summary of requested changes>",
 "reason": "<why, in the sender's words>",
 "new_content": "<full replacement text if they supplied one, else null>"}`

func parseAmendmentUser(memberName, body string, artifacts []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Current artifacts:\n")
	for _, a := range artifacts {
		fmt.Fprintf(&sb, "---\n%s\n", a)
	}
	fmt.Fprintf(&sb, "---\n\nReply from %s:\n%s", memberName, body)
	return sb.String()
}

const aggregateSystem = `You consolidate a negotiation room's discussion into its current state.
Respond with ONLY a JSON object:
{"current_proposal": "<the proposal as it stands after all amendments>",
 "conflicts": ["<unresolved disagreement>", ...],
 "ready_to_finalize": true|false,
 "summary": "<2-3 sentence digest for participants>"}`

func aggregateUser(topic string, transcript []string, deadline string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\nDeadline: %s\n\nTranscript:\n", topic, deadline)
	for i, entry := range transcript {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, entry)
	}
	return sb.String()
}

const minutesSystem = `You write concise meeting minutes in Markdown.
Cover what was proposed, how positions evolved, and the final resolution.
Respond with the Markdown document only, no preamble.`

func minutesUser(topic string, transcript []string, resolution string, participants []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\nParticipants: %s\nResolution: %s\n\nTranscript:\n",
		topic, strings.Join(participants, ", "), resolution)
	for i, entry := range transcript {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, entry)
	}
	return sb.String()
}
