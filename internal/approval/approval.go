package approval

import (
	"fmt"
	"time"
)

/* Approval identifies one manual-approval action instance awaiting a
 * decision. It is created by CodePipeline, round-tripped through the Slack
 * message's action payload, and never mutated. Expires is kept as the
 * orchestrator's original string so the embedded copy survives
 * re-serialization byte-for-byte. */
type Approval struct {
	Token              string `json:"token"`
	PipelineName       string `json:"pipelineName"`
	StageName          string `json:"stageName"`
	ActionName         string `json:"actionName"`
	Region             string `json:"region"`
	CustomData         string `json:"customData,omitempty"`
	Expires            string `json:"expires"`
	ExternalEntityLink string `json:"externalEntityLink,omitempty"`
}

/* Notification is the "awaiting approval" event emitted by the pipeline
 * when an execution reaches a manual-approval stage. */
type Notification struct {
	Region      string   `json:"region"`
	ConsoleLink string   `json:"consoleLink,omitempty"`
	Approval    Approval `json:"approval"`
}

/* Decision is the responder's choice. */
type Decision string

const (
	DecisionApproved Decision = "approve"
	DecisionRejected Decision = "reject"
)

/* expiresFormats lists accepted timestamp layouts. CodePipeline emits a
 * minute-precision ISO form without seconds. */
var expiresFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
}

/* ExpiresAt parses the approval's expiry timestamp. */
func (a Approval) ExpiresAt() (time.Time, error) {
	for _, layout := range expiresFormats {
		if t, err := time.Parse(layout, a.Expires); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized expires timestamp %q", a.Expires)
}

/* Validate checks the fields required to correlate a decision back to the
 * pipeline action. */
func (a Approval) Validate() error {
	if a.Token == "" {
		return fmt.Errorf("approval token is empty")
	}
	if a.PipelineName == "" || a.StageName == "" || a.ActionName == "" {
		return fmt.Errorf("approval is missing pipeline/stage/action names")
	}
	if a.Region == "" {
		return fmt.Errorf("approval is missing region")
	}
	return nil
}

/* IsExpired reports whether an approval that expires at the given time can
 * no longer be acted on. The comparison is strict: an approval expiring
 * exactly now is still actionable. */
func IsExpired(expires, now time.Time) bool {
	return now.After(expires)
}
