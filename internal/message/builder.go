package message

import (
	"encoding/json"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/pipebridge/slack-approval/internal/approval"
)

const (
	/* Attachment framing. CallbackID is the stable identifier Slack echoes
	 * back on every interaction with this message. */
	attachmentTitle = "APPROVAL NEEDED"
	attachmentText  = "The following Approval action is waiting for your response:"
	CallbackID      = "slack_approval"

	fieldStatus  = "Status"
	fieldComment = "Comment"
)

/* Status renderings. The Status field is the sole visible indicator of the
 * approval's lifecycle state. */
const (
	StatusPending  = ":hourglass: Pending"
	StatusApproved = ":white_check_mark: Approved"
	StatusRejected = ":no_entry: Rejected"
	StatusExpired  = ":warning: Expired, no decision submitted"
)

/* FailedStatus renders an orchestrator submission failure so the responder
 * can see why no decision was recorded. */
func FailedStatus(reason string) string {
	return ":warning: Submission failed: " + reason
}

/* ActionPayload is the JSON carried in each button's value. It embeds the
 * full approval so the decision round-trip is self-contained; no
 * server-side session is kept between the post and the click. */
type ActionPayload struct {
	Approval approval.Approval `json:"approval"`
	Comment  string            `json:"comment,omitempty"`
}

/* Rendered is the wire shape of the approval message: identity (assigned
 * by Slack on first post, empty until then) plus the single attachment. */
type Rendered struct {
	Channel    string
	Timestamp  string
	Attachment slack.Attachment
}

/* Builder constructs the initial pending message and reshapes it across
 * the approval's lifecycle. All content lives in the rendered message
 * itself; a later invocation recovers the builder with FromMessage. */
type Builder struct {
	fields    []slack.AttachmentField
	actions   []slack.AttachmentAction
	footer    string
	channel   string
	timestamp string
}

/* FromApproval builds the initial pending message for an approval. Field
 * order is fixed: Pipeline, Stage, Action, Region, then the optional
 * Additional information and Content to review fields, then Status last.
 * Status lookups and the snapshot-style tests depend on this layout. */
func FromApproval(a approval.Approval) (*Builder, error) {
	value, err := json.Marshal(ActionPayload{Approval: a})
	if err != nil {
		return nil, fmt.Errorf("failed to encode approval payload: %w", err)
	}

	actions := []slack.AttachmentAction{
		{
			Name:  "reject",
			Text:  "Reject",
			Type:  "button",
			Style: "danger",
			Value: string(value),
		},
		{
			Name:  "approve",
			Text:  "Approve",
			Type:  "button",
			Style: "primary",
			Value: string(value),
		},
	}

	fields := []slack.AttachmentField{
		{Title: "Pipeline", Value: a.PipelineName, Short: true},
		{Title: "Stage", Value: a.StageName, Short: true},
		{Title: "Action", Value: a.ActionName, Short: true},
		{Title: "Region", Value: a.Region, Short: true},
	}

	if a.CustomData != "" {
		fields = append(fields, slack.AttachmentField{
			Title: "Additional information",
			Value: a.CustomData,
		})
	}

	if a.ExternalEntityLink != "" {
		fields = append(fields, slack.AttachmentField{
			Title: "Content to review",
			Value: a.ExternalEntityLink,
		})
	}

	fields = append(fields, slack.AttachmentField{
		Title: fieldStatus,
		Value: StatusPending,
	})

	footer := "This review request will expire on " + expiryDate(a)

	return &Builder{actions: actions, fields: fields, footer: footer}, nil
}

func expiryDate(a approval.Approval) string {
	t, err := a.ExpiresAt()
	if err != nil {
		return a.Expires
	}
	return t.Format("Mon Jan 2 2006 15:04 MST")
}

/* FromMessage recovers a builder from a previously rendered message as
 * returned by a conversations.history fetch. The Interaction Handler only
 * holds the message identity across the process boundary, so mutation
 * state is rebuilt from the message itself rather than from memory. */
func FromMessage(channel string, msg slack.Message) (*Builder, error) {
	if len(msg.Attachments) == 0 {
		return nil, fmt.Errorf("message %s/%s has no attachments", channel, msg.Timestamp)
	}
	att := msg.Attachments[0]

	return &Builder{
		fields:    att.Fields,
		actions:   att.Actions,
		footer:    att.Footer,
		channel:   channel,
		timestamp: msg.Timestamp,
	}, nil
}

/* HasActions reports whether the message still carries interactive
 * controls. A message with none has already received a final decision. */
func (b *Builder) HasActions() bool {
	return len(b.actions) > 0
}

/* RemoveActions strips all interactive controls so the message cannot be
 * acted on twice. */
func (b *Builder) RemoveActions() {
	b.actions = nil
}

/* UpdateStatus overwrites the Status field's value in place. A message
 * without a Status field is left untouched; the build invariant makes that
 * unreachable, but it must not panic on a foreign message. */
func (b *Builder) UpdateStatus(status string) {
	for i := range b.fields {
		if b.fields[i].Title == fieldStatus {
			b.fields[i].Value = status
		}
	}
}

/* AttachComment appends the responder's free-text justification as a new
 * long field. Existing fields are never reordered. */
func (b *Builder) AttachComment(comment string) {
	b.fields = append(b.fields, slack.AttachmentField{
		Title: fieldComment,
		Value: comment,
	})
}

/* Message renders the current state. The message identity is carried
 * through when known so an update replaces the original post in place. */
func (b *Builder) Message() Rendered {
	return Rendered{
		Channel:   b.channel,
		Timestamp: b.timestamp,
		Attachment: slack.Attachment{
			Title:      attachmentTitle,
			Text:       attachmentText,
			CallbackID: CallbackID,
			Fields:     b.fields,
			Footer:     b.footer,
			Actions:    b.actions,
		},
	}
}
