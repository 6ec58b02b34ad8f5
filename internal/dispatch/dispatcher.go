package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"github.com/pipebridge/slack-approval/internal/approval"
	"github.com/pipebridge/slack-approval/internal/config"
	"github.com/pipebridge/slack-approval/internal/handlers"
	"github.com/pipebridge/slack-approval/internal/logging"
	"github.com/pipebridge/slack-approval/internal/message"
	"github.com/pipebridge/slack-approval/internal/metrics"
)

/* SlackAPI is the slice of the Slack Web API the dispatcher uses.
 * *slack.Client satisfies it. */
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
}

/* Dispatcher turns an "awaiting approval" pipeline notification into the
 * initial interactive Slack message. It keeps no record of what it posted;
 * later mutation is driven by the identity metadata Slack echoes back with
 * the interaction. */
type Dispatcher struct {
	slack  SlackAPI
	cfg    config.SlackConfig
	logger *logging.Logger
}

/* New creates a dispatcher */
func New(api SlackAPI, cfg config.SlackConfig, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{slack: api, cfg: cfg, logger: logger}
}

/* snsEnvelope is the wrapper used when the notification arrives through
 * an SNS HTTPS subscription rather than as the bare payload. */
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

/* HandleNotification accepts the pipeline's approval notification over
 * HTTP and posts the approval request message. */
func (d *Dispatcher) HandleNotification(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		handlers.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid notification body: %w", err), nil)
		return
	}

	var envelope snsEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Type == "Notification" && envelope.Message != "" {
		raw = json.RawMessage(envelope.Message)
	}

	var notification approval.Notification
	if err := json.Unmarshal(raw, &notification); err != nil {
		handlers.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid approval notification: %w", err), nil)
		return
	}

	channel, timestamp, err := d.Dispatch(r.Context(), notification)
	if err != nil {
		d.logger.Error("Failed to post approval request", err, map[string]interface{}{
			"pipeline": notification.Approval.PipelineName,
			"token":    notification.Approval.Token,
		})
		handlers.WriteError(w, http.StatusBadGateway, err, nil)
		return
	}

	handlers.WriteSuccess(w, map[string]interface{}{
		"channel": channel,
		"ts":      timestamp,
	}, http.StatusOK)
}

/* Dispatch posts the approval request message and returns the identity
 * Slack assigned to it. */
func (d *Dispatcher) Dispatch(ctx context.Context, n approval.Notification) (string, string, error) {
	a := n.Approval
	if a.Region == "" {
		a.Region = n.Region
	}
	if a.CustomData == "" {
		a.CustomData = d.cfg.AdditionalInformation
	}
	if a.ExternalEntityLink == "" {
		a.ExternalEntityLink = d.cfg.ExternalEntityLink
	}
	if err := a.Validate(); err != nil {
		return "", "", err
	}

	builder, err := message.FromApproval(a)
	if err != nil {
		return "", "", err
	}
	rendered := builder.Message()

	channelID, err := d.resolveChannel(ctx)
	if err != nil {
		return "", "", err
	}

	options := []slack.MsgOption{slack.MsgOptionAttachments(rendered.Attachment)}
	if d.cfg.BotName != "" {
		options = append(options, slack.MsgOptionUsername(d.cfg.BotName))
	}
	if d.cfg.BotIcon != "" {
		if strings.HasPrefix(d.cfg.BotIcon, ":") {
			options = append(options, slack.MsgOptionIconEmoji(d.cfg.BotIcon))
		} else {
			options = append(options, slack.MsgOptionIconURL(d.cfg.BotIcon))
		}
	}

	channel, timestamp, err := d.slack.PostMessageContext(ctx, channelID, options...)
	if err != nil {
		return "", "", fmt.Errorf("failed to post approval message: %w", err)
	}

	metrics.RecordApprovalPosted()
	d.logger.Info("Posted approval request", map[string]interface{}{
		"pipeline": a.PipelineName,
		"stage":    a.StageName,
		"action":   a.ActionName,
		"channel":  channel,
		"ts":       timestamp,
	})

	return channel, timestamp, nil
}

/* resolveChannel returns the configured channel id, looking it up by name
 * when the destination is configured that way. */
func (d *Dispatcher) resolveChannel(ctx context.Context) (string, error) {
	if d.cfg.ChannelID != "" {
		return d.cfg.ChannelID, nil
	}

	name := strings.TrimPrefix(d.cfg.Channel, "#")
	params := &slack.GetConversationsParameters{
		ExcludeArchived: true,
		Limit:           200,
		Types:           []string{"public_channel", "private_channel"},
	}
	for {
		channels, cursor, err := d.slack.GetConversationsContext(ctx, params)
		if err != nil {
			return "", fmt.Errorf("failed to list channels: %w", err)
		}
		for _, ch := range channels {
			if ch.Name == name {
				return ch.ID, nil
			}
		}
		if cursor == "" {
			return "", fmt.Errorf("channel %q not found", d.cfg.Channel)
		}
		params.Cursor = cursor
	}
}
