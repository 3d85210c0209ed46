package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Oracle exposes the hub's typed language-model operations. Each call
// builds a prompt, runs one completion, and parses the structured
// result. Operations that have a safe deterministic fallback never
// return an error; the ones that do not propagate it so the caller can
// fail just that message.
type Oracle struct {
	client Client
	logger *slog.Logger
}

// New wraps a provider client.
func New(client Client, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{client: client, logger: logger.With("component", "oracle")}
}

// ReplyInterpretation is the parsed meaning of a free-text reply to a
// negotiation session. A nil vote means the sender expressed nothing
// about that item.
type ReplyInterpretation struct {
	Votes   map[string]*string `json:"votes"`
	Unclear *string            `json:"unclear"`
	Action  string             `json:"action"` // accept, counter or escalate
}

// MemberRequest is a member's plain-language instruction to the hub.
type MemberRequest struct {
	Action          string   `json:"action"` // schedule_meeting, create_room or unclear
	Topic           string   `json:"topic"`
	Participants    []string `json:"participants"`
	Deadline        string   `json:"deadline"`
	InitialProposal string   `json:"initial_proposal"`
	ResolutionRules string   `json:"resolution_rules"`
	Missing         []string `json:"missing"`
}

// Amendment is a parsed room reply.
type Amendment struct {
	Action     string  `json:"action"` // PROPOSE, AMEND, ACCEPT or REJECT
	Changes    string  `json:"changes"`
	Reason     string  `json:"reason"`
	NewContent *string `json:"new_content"`
}

// Aggregate is the consolidated view of a room's amendments so far.
type Aggregate struct {
	CurrentProposal string   `json:"current_proposal"`
	Conflicts       []string `json:"conflicts"`
	ReadyToFinalize bool     `json:"ready_to_finalize"`
	Summary         string   `json:"summary"`
}

// ParseHumanReply interprets a free-text reply against the session's
// current options. There is no safe fallback for a vote, so provider
// failures surface as errors and the message fails without touching
// session state.
func (o *Oracle) ParseHumanReply(ctx context.Context, topic string, options map[string][]string, body string) (*ReplyInterpretation, error) {
	out, err := o.client.Complete(ctx, parseReplySystem, parseReplyUser(topic, options, body))
	if err != nil {
		return nil, fmt.Errorf("parse human reply: %w", err)
	}
	raw, err := ExtractJSON(out)
	if err != nil {
		return nil, fmt.Errorf("parse human reply: %w", err)
	}

	var r ReplyInterpretation
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parse human reply: %w", err)
	}
	if r.Votes == nil {
		r.Votes = map[string]*string{}
	}
	switch r.Action {
	case "accept", "counter", "escalate":
	default:
		r.Action = "counter"
	}
	return &r, nil
}

// ParseMemberRequest classifies a member email into a hub command.
// On provider failure the request is treated as unclear, which makes
// the hub ask the member to rephrase rather than guess.
func (o *Oracle) ParseMemberRequest(ctx context.Context, memberName, subject, body string) *MemberRequest {
	out, err := o.client.Complete(ctx, parseMemberSystem, parseMemberUser(memberName, subject, body))
	if err == nil {
		if raw, jerr := ExtractJSON(out); jerr == nil {
			var r MemberRequest
			if uerr := json.Unmarshal(raw, &r); uerr == nil && r.Action != "" {
				return &r
			}
		}
	}
	o.logger.Warn("member request parsing failed, treating as unclear", "error", err)
	return &MemberRequest{Action: "unclear", Missing: []string{"intent"}}
}

// ParseAmendment interprets a room reply. On provider failure the
// reply is conservatively recorded as an amendment carrying the raw
// body, so nothing a participant said is lost.
func (o *Oracle) ParseAmendment(ctx context.Context, memberName, body string, artifacts []string) *Amendment {
	out, err := o.client.Complete(ctx, parseAmendmentSystem, parseAmendmentUser(memberName, body, artifacts))
	if err == nil {
		if raw, jerr := ExtractJSON(out); jerr == nil {
			var a Amendment
			if uerr := json.Unmarshal(raw, &a); uerr == nil && validRoomAction(a.Action) {
				return &a
			}
		}
	}
	o.logger.Warn("amendment parsing failed, recording raw body", "error", err)
	return &Amendment{
		Action:  "AMEND",
		Changes: truncate(body, 200),
		Reason:  "unparsed reply",
	}
}

// AggregateAmendments consolidates a room's transcript into a current
// proposal and summary for the round digest.
func (o *Oracle) AggregateAmendments(ctx context.Context, topic string, transcript []string, deadline string) *Aggregate {
	out, err := o.client.Complete(ctx, aggregateSystem, aggregateUser(topic, transcript, deadline))
	if err == nil {
		if raw, jerr := ExtractJSON(out); jerr == nil {
			var a Aggregate
			if uerr := json.Unmarshal(raw, &a); uerr == nil {
				return &a
			}
		}
	}
	o.logger.Warn("amendment aggregation failed, using transcript tail", "error", err)

	proposal := ""
	if len(transcript) > 0 {
		proposal = transcript[len(transcript)-1]
	}
	return &Aggregate{
		CurrentProposal: proposal,
		Summary:         fmt.Sprintf("%d contributions so far; latest shown below.", len(transcript)),
	}
}

// GenerateMinutes drafts Markdown minutes for a finalized room. On
// provider failure it falls back to a plain template enumerating the
// transcript, so finalization always produces a document.
func (o *Oracle) GenerateMinutes(ctx context.Context, topic string, transcript []string, resolution string, participants []string) string {
	out, err := o.client.Complete(ctx, minutesSystem, minutesUser(topic, transcript, resolution, participants))
	if err == nil && strings.TrimSpace(out) != "" {
		return out
	}
	o.logger.Warn("minutes generation failed, using template", "error", err)
	return fallbackMinutes(topic, transcript, resolution, participants)
}

func fallbackMinutes(topic string, transcript []string, resolution string, participants []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Minutes: %s\n\n", topic)
	fmt.Fprintf(&sb, "**Participants:** %s\n\n", strings.Join(participants, ", "))
	fmt.Fprintf(&sb, "**Resolution:** %s\n\n", resolution)
	sb.WriteString("## Discussion\n\n")
	for i, entry := range transcript {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, entry)
	}
	return sb.String()
}

func validRoomAction(a string) bool {
	switch a {
	case "PROPOSE", "AMEND", "ACCEPT", "REJECT":
		return true
	}
	return false
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
