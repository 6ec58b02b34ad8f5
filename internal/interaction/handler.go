package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/slack-go/slack"

	"github.com/pipebridge/slack-approval/internal/approval"
	"github.com/pipebridge/slack-approval/internal/config"
	"github.com/pipebridge/slack-approval/internal/handlers"
	"github.com/pipebridge/slack-approval/internal/logging"
	"github.com/pipebridge/slack-approval/internal/message"
	"github.com/pipebridge/slack-approval/internal/metrics"
	"github.com/pipebridge/slack-approval/internal/pipeline"
)

/* SlackAPI is the slice of the Slack Web API the handler uses.
 * *slack.Client satisfies it. */
type SlackAPI interface {
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
}

/* Handler processes button clicks on approval messages. Each request is an
 * independent, stateless invocation: everything it needs arrives in the
 * interaction payload, and the only shared state is the message itself and
 * the pipeline's approval record. Signature verification happens in
 * middleware before this handler ever sees the payload. */
type Handler struct {
	slack        SlackAPI
	pipeline     pipeline.Submitter
	allowedTypes map[string]bool
	retries      uint64
	retryBase    time.Duration
	logger       *logging.Logger

	now func() time.Time
}

/* New creates an interaction handler */
func New(api SlackAPI, submitter pipeline.Submitter, cfg config.SlackConfig, limits config.LimitsConfig, logger *logging.Logger) *Handler {
	allowed := make(map[string]bool, len(cfg.ChannelTypes))
	for _, t := range cfg.ChannelTypes {
		allowed[t] = true
	}
	return &Handler{
		slack:        api,
		pipeline:     submitter,
		allowedTypes: allowed,
		retries:      limits.UpdateRetries,
		retryBase:    limits.UpdateRetryBase,
		logger:       logger,
		now:          time.Now,
	}
}

/* channelType maps a Slack channel id to an allow-list entry. Slack
 * prefixes public channels with C, private channels with G and direct
 * messages with D. Anything else, including a missing id, never matches. */
func channelType(channelID string) string {
	switch {
	case strings.HasPrefix(channelID, "C"):
		return "public"
	case strings.HasPrefix(channelID, "G"):
		return "private"
	case strings.HasPrefix(channelID, "D"):
		return "im"
	default:
		return ""
	}
}

/* HandleInteraction runs the decision protocol for one button click:
 * channel-type gate, expiry check, duplicate check against the message's
 * current state, decision submission, then message mutation. It always
 * acknowledges quickly so Slack's retry-on-timeout does not compound
 * duplicate deliveries. */
func (h *Handler) HandleInteraction(w http.ResponseWriter, r *http.Request) {
	payload := r.FormValue("payload")
	if payload == "" {
		handlers.WriteError(w, http.StatusBadRequest, fmt.Errorf("missing interaction payload"), nil)
		return
	}

	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(payload), &cb); err != nil {
		handlers.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid interaction payload: %w", err), nil)
		return
	}

	if cb.CallbackID != message.CallbackID {
		handlers.WriteError(w, http.StatusBadRequest, fmt.Errorf("unexpected callback id %q", cb.CallbackID), nil)
		return
	}

	if t := channelType(cb.Channel.ID); !h.allowedTypes[t] {
		metrics.RecordInteraction(metrics.OutcomeUnauthorized)
		h.logger.Warn("Rejected interaction from disallowed channel", map[string]interface{}{
			"channel": cb.Channel.ID,
			"user":    cb.User.ID,
		})
		handlers.WriteError(w, http.StatusForbidden, fmt.Errorf("channel type not allowed"), nil)
		return
	}

	action, decision, err := pickAction(cb)
	if err != nil {
		handlers.WriteError(w, http.StatusBadRequest, err, nil)
		return
	}

	var actionPayload message.ActionPayload
	if err := json.Unmarshal([]byte(action.Value), &actionPayload); err != nil {
		handlers.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid action value: %w", err), nil)
		return
	}
	a := actionPayload.Approval
	if err := a.Validate(); err != nil {
		handlers.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid embedded approval: %w", err), nil)
		return
	}

	channelID := cb.Channel.ID
	timestamp := cb.MessageTs
	if timestamp == "" {
		timestamp = cb.OriginalMessage.Timestamp
	}

	expiresAt, err := a.ExpiresAt()
	if err != nil {
		handlers.WriteError(w, http.StatusBadRequest, err, nil)
		return
	}
	if approval.IsExpired(expiresAt, h.now()) {
		h.handleExpired(r.Context(), w, channelID, timestamp, a)
		return
	}

	builder, duplicate, err := h.currentState(r.Context(), channelID, timestamp, cb.OriginalMessage)
	if err != nil {
		h.logger.Error("Failed to fetch message state", err, map[string]interface{}{
			"channel": channelID,
			"ts":      timestamp,
		})
		handlers.WriteError(w, http.StatusBadGateway, err, nil)
		return
	}
	if duplicate {
		/* The actions are already gone, so a decision was already
		 * submitted. Acknowledge without touching the pipeline. */
		metrics.RecordInteraction(metrics.OutcomeDuplicate)
		h.logger.Info("Ignored duplicate interaction", map[string]interface{}{
			"token": a.Token,
			"user":  cb.User.ID,
		})
		w.WriteHeader(http.StatusOK)
		return
	}

	h.submitAndRender(r.Context(), w, builder, a, decision, actionPayload.Comment, cb.User.Name)
}

/* pickAction returns the invoked attachment action and the decision it
 * stands for. */
func pickAction(cb slack.InteractionCallback) (*slack.AttachmentAction, approval.Decision, error) {
	if len(cb.ActionCallback.AttachmentActions) == 0 {
		return nil, "", fmt.Errorf("interaction carries no actions")
	}
	action := cb.ActionCallback.AttachmentActions[0]
	switch action.Name {
	case "approve":
		return action, approval.DecisionApproved, nil
	case "reject":
		return action, approval.DecisionRejected, nil
	default:
		return nil, "", fmt.Errorf("unknown action %q", action.Name)
	}
}

/* currentState fetches the message as Slack stores it now and rebuilds the
 * builder from it. A message that no longer carries actions is the proof
 * of a prior submission. */
func (h *Handler) currentState(ctx context.Context, channelID, timestamp string, fallback slack.Message) (*message.Builder, bool, error) {
	history, err := h.slack.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Latest:    timestamp,
		Inclusive: true,
		Limit:     1,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch message %s/%s: %w", channelID, timestamp, err)
	}

	msg := fallback
	if len(history.Messages) > 0 && history.Messages[0].Timestamp == timestamp {
		msg = history.Messages[0]
	}
	if msg.Timestamp == "" {
		msg.Timestamp = timestamp
	}

	builder, err := message.FromMessage(channelID, msg)
	if err != nil {
		return nil, false, err
	}
	return builder, !builder.HasActions(), nil
}

/* handleExpired marks the message expired without submitting anything;
 * the pipeline's own timeout decides the execution's fate. */
func (h *Handler) handleExpired(ctx context.Context, w http.ResponseWriter, channelID, timestamp string, a approval.Approval) {
	builder, _, err := h.currentState(ctx, channelID, timestamp, slack.Message{})
	if err != nil {
		handlers.WriteError(w, http.StatusBadGateway, err, nil)
		return
	}

	builder.RemoveActions()
	builder.UpdateStatus(message.StatusExpired)
	h.updateMessage(ctx, builder)

	metrics.RecordInteraction(metrics.OutcomeExpired)
	h.logger.Info("Approval expired before a decision", map[string]interface{}{
		"token":    a.Token,
		"pipeline": a.PipelineName,
	})
	w.WriteHeader(http.StatusOK)
}

/* submitAndRender reports the decision to the pipeline exactly once and
 * reshapes the message to the outcome. */
func (h *Handler) submitAndRender(ctx context.Context, w http.ResponseWriter, builder *message.Builder, a approval.Approval, decision approval.Decision, comment, responder string) {
	err := h.pipeline.SubmitDecision(ctx, a, decision, comment)
	if err != nil {
		h.renderFailure(ctx, builder, a, decision, err)
		w.WriteHeader(http.StatusOK)
		return
	}
	metrics.RecordDecisionSubmission(string(decision), "ok")

	builder.RemoveActions()
	if decision == approval.DecisionApproved {
		builder.UpdateStatus(message.StatusApproved)
		metrics.RecordInteraction(metrics.OutcomeApproved)
	} else {
		builder.UpdateStatus(message.StatusRejected)
		metrics.RecordInteraction(metrics.OutcomeRejected)
	}
	if comment != "" {
		builder.AttachComment(comment)
	}
	h.updateMessage(ctx, builder)

	h.logger.Info("Submitted approval decision", map[string]interface{}{
		"token":     a.Token,
		"pipeline":  a.PipelineName,
		"decision":  string(decision),
		"responder": responder,
	})
	w.WriteHeader(http.StatusOK)
}

/* renderFailure makes an orchestrator rejection visible in the message
 * instead of dropping it. An already-resolved or unknown token can never
 * succeed, so the controls come off; other failures keep them so the
 * decision can be retried once the cause is fixed. */
func (h *Handler) renderFailure(ctx context.Context, builder *message.Builder, a approval.Approval, decision approval.Decision, err error) {
	var reason, result string
	switch {
	case errors.Is(err, pipeline.ErrAlreadyResolved):
		reason, result = "already resolved", "already_resolved"
		builder.RemoveActions()
	case errors.Is(err, pipeline.ErrUnknownToken):
		reason, result = "approval token not recognized", "unknown_token"
		builder.RemoveActions()
	case errors.Is(err, pipeline.ErrPermissionDenied):
		reason, result = "permission denied", "permission_denied"
	default:
		reason, result = "pipeline unavailable", "error"
	}

	metrics.RecordDecisionSubmission(string(decision), result)
	metrics.RecordInteraction(metrics.OutcomeFailed)
	h.logger.Error("Decision submission failed", err, map[string]interface{}{
		"token":    a.Token,
		"pipeline": a.PipelineName,
		"decision": string(decision),
	})

	builder.UpdateStatus(message.FailedStatus(reason))
	h.updateMessage(ctx, builder)
}

/* updateMessage pushes the rendered state back to Slack with bounded
 * backoff. Exhaustion leaves the message at its last successfully rendered
 * state; chat.update is all-or-nothing per call. */
func (h *Handler) updateMessage(ctx context.Context, builder *message.Builder) {
	rendered := builder.Message()

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(h.retryBase)),
		h.retries,
	), ctx)

	err := backoff.Retry(func() error {
		_, _, _, err := h.slack.UpdateMessageContext(ctx, rendered.Channel, rendered.Timestamp,
			slack.MsgOptionAttachments(rendered.Attachment))
		return err
	}, policy)
	if err != nil {
		h.logger.Error("Failed to update approval message", err, map[string]interface{}{
			"channel": rendered.Channel,
			"ts":      rendered.Timestamp,
		})
	}
}
