package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline/types"
	"github.com/aws/smithy-go"

	"github.com/pipebridge/slack-approval/internal/approval"
)

/* Typed submission failures. These are terminal: the handler renders them
 * into the message status instead of retrying. ErrAlreadyResolved is also
 * the authoritative tie-break when two responders race; CodePipeline
 * enforces single resolution per action. */
var (
	ErrAlreadyResolved  = errors.New("approval already resolved")
	ErrUnknownToken     = errors.New("approval token not recognized")
	ErrPermissionDenied = errors.New("not permitted to submit approval result")
)

/* Submitter reports a human decision back to the orchestrator. */
type Submitter interface {
	SubmitDecision(ctx context.Context, a approval.Approval, d approval.Decision, comment string) error
}

type approvalAPI interface {
	PutApprovalResult(ctx context.Context, in *codepipeline.PutApprovalResultInput, opts ...func(*codepipeline.Options)) (*codepipeline.PutApprovalResultOutput, error)
}

/* Client submits approval results to CodePipeline. Approvals carry their
 * own region, so service clients are built per region and cached. */
type Client struct {
	mu        sync.Mutex
	byRegion  map[string]approvalAPI
	newClient func(ctx context.Context, region string) (approvalAPI, error)
}

/* NewClient creates a CodePipeline submitter using the default AWS
 * credential chain. */
func NewClient() *Client {
	return &Client{
		byRegion: make(map[string]approvalAPI),
		newClient: func(ctx context.Context, region string) (approvalAPI, error) {
			cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
			if err != nil {
				return nil, fmt.Errorf("failed to load AWS config for %s: %w", region, err)
			}
			return codepipeline.NewFromConfig(cfg), nil
		},
	}
}

func (c *Client) clientFor(ctx context.Context, region string) (approvalAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if api, ok := c.byRegion[region]; ok {
		return api, nil
	}
	api, err := c.newClient(ctx, region)
	if err != nil {
		return nil, err
	}
	c.byRegion[region] = api
	return api, nil
}

/* SubmitDecision calls PutApprovalResult once for the approval's action.
 * API failures are mapped onto the typed errors above where they have a
 * defined meaning for the caller. */
func (c *Client) SubmitDecision(ctx context.Context, a approval.Approval, d approval.Decision, comment string) error {
	api, err := c.clientFor(ctx, a.Region)
	if err != nil {
		return err
	}

	status := types.ApprovalStatusRejected
	if d == approval.DecisionApproved {
		status = types.ApprovalStatusApproved
	}

	summary := comment
	if summary == "" {
		if d == approval.DecisionApproved {
			summary = "Approved via Slack"
		} else {
			summary = "Rejected via Slack"
		}
	}

	_, err = api.PutApprovalResult(ctx, &codepipeline.PutApprovalResultInput{
		PipelineName: aws.String(a.PipelineName),
		StageName:    aws.String(a.StageName),
		ActionName:   aws.String(a.ActionName),
		Token:        aws.String(a.Token),
		Result: &types.ApprovalResult{
			Status:  status,
			Summary: aws.String(summary),
		},
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	var completed *types.ApprovalAlreadyCompletedException
	if errors.As(err, &completed) {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, aws.ToString(completed.Message))
	}

	var badToken *types.InvalidApprovalTokenException
	if errors.As(err, &badToken) {
		return fmt.Errorf("%w: %s", ErrUnknownToken, aws.ToString(badToken.Message))
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "AccessDenied":
			return fmt.Errorf("%w: %s", ErrPermissionDenied, apiErr.ErrorMessage())
		}
	}

	return fmt.Errorf("failed to submit approval result: %w", err)
}
