package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"github.com/pipebridge/slack-approval/internal/approval"
	"github.com/pipebridge/slack-approval/internal/config"
	"github.com/pipebridge/slack-approval/internal/logging"
	"github.com/pipebridge/slack-approval/internal/message"
	"github.com/pipebridge/slack-approval/internal/pipeline"
)

type fakeSlack struct {
	history     []slack.Message
	historyErr  error
	updateErr   error
	updateCalls int
	updateTs    string
}

func (f *fakeSlack) GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return &slack.GetConversationHistoryResponse{Messages: f.history}, nil
}

func (f *fakeSlack) UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
	f.updateCalls++
	f.updateTs = timestamp
	if f.updateErr != nil {
		return "", "", "", f.updateErr
	}
	return channelID, timestamp, "", nil
}

type fakeSubmitter struct {
	calls    int
	approval approval.Approval
	decision approval.Decision
	comment  string
	err      error
}

func (f *fakeSubmitter) SubmitDecision(ctx context.Context, a approval.Approval, d approval.Decision, comment string) error {
	f.calls++
	f.approval = a
	f.decision = d
	f.comment = comment
	return f.err
}

const messageTs = "1717243800.000100"

func testApproval() approval.Approval {
	return approval.Approval{
		Token:        "t1",
		PipelineName: "Deploy",
		StageName:    "Prod",
		ActionName:   "Gate",
		Region:       "us-east-1",
		Expires:      "2024-06-01T12:30:00Z",
	}
}

/* pendingMessage renders the approval message as Slack would store it
 * right after the initial post. */
func pendingMessage(t *testing.T) slack.Message {
	t.Helper()
	b, err := message.FromApproval(testApproval())
	if err != nil {
		t.Fatalf("FromApproval failed: %v", err)
	}
	msg := slack.Message{}
	msg.Timestamp = messageTs
	msg.Attachments = []slack.Attachment{b.Message().Attachment}
	return msg
}

func decidedMessage(t *testing.T) slack.Message {
	t.Helper()
	msg := pendingMessage(t)
	msg.Attachments[0].Actions = nil
	return msg
}

func interactionBody(t *testing.T, actionName, channelID string, payload message.ActionPayload) string {
	t.Helper()
	value, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to encode action payload: %v", err)
	}

	cb := map[string]interface{}{
		"type":        "interactive_message",
		"callback_id": message.CallbackID,
		"channel":     map[string]string{"id": channelID, "name": "deployments"},
		"user":        map[string]string{"id": "U1", "name": "jane"},
		"message_ts":  messageTs,
		"actions": []map[string]string{
			{"name": actionName, "type": "button", "value": string(value)},
		},
	}
	data, err := json.Marshal(cb)
	if err != nil {
		t.Fatalf("Failed to encode interaction callback: %v", err)
	}

	form := url.Values{"payload": {string(data)}}
	return form.Encode()
}

func newHandler(api *fakeSlack, submitter *fakeSubmitter, now time.Time) *Handler {
	h := New(api, submitter,
		config.SlackConfig{ChannelTypes: []string{"public"}},
		config.LimitsConfig{UpdateRetries: 1, UpdateRetryBase: time.Millisecond},
		logging.NewLogger("error", "text", "stderr"),
	)
	h.now = func() time.Time { return now }
	return h
}

func serve(h *Handler, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/slack/interactions", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.HandleInteraction(w, r)
	return w
}

/* beforeExpiry is a request time comfortably inside the approval's
 * expiry window. */
var beforeExpiry = time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)

func TestHandleInteractionApprove(t *testing.T) {
	api := &fakeSlack{history: []slack.Message{pendingMessage(t)}}
	submitter := &fakeSubmitter{}
	h := newHandler(api, submitter, beforeExpiry)

	w := serve(h, interactionBody(t, "approve", "C024BE91L", message.ActionPayload{Approval: testApproval()}))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if submitter.calls != 1 {
		t.Fatalf("Expected one decision submission, got %d", submitter.calls)
	}
	if submitter.decision != approval.DecisionApproved {
		t.Errorf("Expected approve decision, got %s", submitter.decision)
	}
	if submitter.approval != testApproval() {
		t.Errorf("Embedded approval did not survive the round trip: %+v", submitter.approval)
	}
	if api.updateCalls != 1 {
		t.Errorf("Expected one message update, got %d", api.updateCalls)
	}
	if api.updateTs != messageTs {
		t.Errorf("Expected update against %s, got %s", messageTs, api.updateTs)
	}
}

func TestHandleInteractionReject(t *testing.T) {
	api := &fakeSlack{history: []slack.Message{pendingMessage(t)}}
	submitter := &fakeSubmitter{}
	h := newHandler(api, submitter, beforeExpiry)

	w := serve(h, interactionBody(t, "reject", "C024BE91L", message.ActionPayload{
		Approval: testApproval(),
		Comment:  "needs another round of QA",
	}))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if submitter.decision != approval.DecisionRejected {
		t.Errorf("Expected reject decision, got %s", submitter.decision)
	}
	if submitter.comment != "needs another round of QA" {
		t.Errorf("Expected comment forwarded, got %q", submitter.comment)
	}
}

func TestHandleInteractionDuplicate(t *testing.T) {
	api := &fakeSlack{history: []slack.Message{decidedMessage(t)}}
	submitter := &fakeSubmitter{}
	h := newHandler(api, submitter, beforeExpiry)

	w := serve(h, interactionBody(t, "approve", "C024BE91L", message.ActionPayload{Approval: testApproval()}))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected success acknowledgement for duplicate, got %d", w.Code)
	}
	if submitter.calls != 0 {
		t.Errorf("Expected no decision submission for duplicate, got %d", submitter.calls)
	}
	if api.updateCalls != 0 {
		t.Errorf("Expected no message update for duplicate, got %d", api.updateCalls)
	}
}

func TestHandleInteractionExpired(t *testing.T) {
	api := &fakeSlack{history: []slack.Message{pendingMessage(t)}}
	submitter := &fakeSubmitter{}
	afterExpiry := time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC)
	h := newHandler(api, submitter, afterExpiry)

	w := serve(h, interactionBody(t, "approve", "C024BE91L", message.ActionPayload{Approval: testApproval()}))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if submitter.calls != 0 {
		t.Errorf("Expected no decision submission past expiry, got %d", submitter.calls)
	}
	if api.updateCalls != 1 {
		t.Errorf("Expected expiry to be rendered into the message, got %d updates", api.updateCalls)
	}
}

func TestHandleInteractionChannelGate(t *testing.T) {
	cases := []struct {
		name      string
		channelID string
	}{
		{"direct message", "D0AAAAAAA"},
		{"private channel", "G0AAAAAAA"},
		{"missing channel id", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeSlack{history: []slack.Message{pendingMessage(t)}}
			submitter := &fakeSubmitter{}
			h := newHandler(api, submitter, beforeExpiry)

			w := serve(h, interactionBody(t, "approve", tc.channelID, message.ActionPayload{Approval: testApproval()}))

			if w.Code != http.StatusForbidden {
				t.Fatalf("Expected 403, got %d", w.Code)
			}
			if submitter.calls != 0 {
				t.Errorf("Expected no submission from disallowed channel")
			}
		})
	}
}

func TestHandleInteractionSubmissionFailure(t *testing.T) {
	t.Run("already resolved", func(t *testing.T) {
		api := &fakeSlack{history: []slack.Message{pendingMessage(t)}}
		submitter := &fakeSubmitter{err: pipeline.ErrAlreadyResolved}
		h := newHandler(api, submitter, beforeExpiry)

		w := serve(h, interactionBody(t, "approve", "C024BE91L", message.ActionPayload{Approval: testApproval()}))

		// The failure is surfaced in the message, not as an HTTP error
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		if api.updateCalls != 1 {
			t.Errorf("Expected failure rendered into the message, got %d updates", api.updateCalls)
		}
	})

	t.Run("pipeline unavailable", func(t *testing.T) {
		api := &fakeSlack{history: []slack.Message{pendingMessage(t)}}
		submitter := &fakeSubmitter{err: errors.New("connection reset")}
		h := newHandler(api, submitter, beforeExpiry)

		w := serve(h, interactionBody(t, "approve", "C024BE91L", message.ActionPayload{Approval: testApproval()}))
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
	})
}

func TestHandleInteractionBadRequests(t *testing.T) {
	api := &fakeSlack{history: []slack.Message{pendingMessage(t)}}
	submitter := &fakeSubmitter{}
	h := newHandler(api, submitter, beforeExpiry)

	t.Run("missing payload", func(t *testing.T) {
		w := serve(h, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", w.Code)
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		w := serve(h, interactionBody(t, "escalate", "C024BE91L", message.ActionPayload{Approval: testApproval()}))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", w.Code)
		}
	})

	t.Run("foreign callback id", func(t *testing.T) {
		form := url.Values{"payload": {`{"type":"interactive_message","callback_id":"other"}`}}
		w := serve(h, form.Encode())
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", w.Code)
		}
	})

	t.Run("approval without token", func(t *testing.T) {
		a := testApproval()
		a.Token = ""
		w := serve(h, interactionBody(t, "approve", "C024BE91L", message.ActionPayload{Approval: a}))
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", w.Code)
		}
	})

	if submitter.calls != 0 {
		t.Errorf("Expected no submissions from malformed requests, got %d", submitter.calls)
	}
}

func TestHandleInteractionHistoryUnavailable(t *testing.T) {
	api := &fakeSlack{historyErr: errors.New("slack is down")}
	submitter := &fakeSubmitter{}
	h := newHandler(api, submitter, beforeExpiry)

	w := serve(h, interactionBody(t, "approve", "C024BE91L", message.ActionPayload{Approval: testApproval()}))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", w.Code)
	}
	if submitter.calls != 0 {
		t.Errorf("Expected no submission when message state is unknown")
	}
}

func TestChannelType(t *testing.T) {
	cases := map[string]string{
		"C024BE91L": "public",
		"G0AAAAAAA": "private",
		"D0AAAAAAA": "im",
		"X0AAAAAAA": "",
		"":          "",
	}
	for id, want := range cases {
		if got := channelType(id); got != want {
			t.Errorf("channelType(%q) = %q, want %q", id, got, want)
		}
	}
}
