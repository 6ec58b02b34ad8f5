package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline/types"
	"github.com/aws/smithy-go"

	"github.com/pipebridge/slack-approval/internal/approval"
)

type fakeAPI struct {
	inputs []*codepipeline.PutApprovalResultInput
	err    error
}

func (f *fakeAPI) PutApprovalResult(ctx context.Context, in *codepipeline.PutApprovalResultInput, opts ...func(*codepipeline.Options)) (*codepipeline.PutApprovalResultOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &codepipeline.PutApprovalResultOutput{}, nil
}

func testClient(api *fakeAPI) *Client {
	return &Client{
		byRegion: make(map[string]approvalAPI),
		newClient: func(ctx context.Context, region string) (approvalAPI, error) {
			return api, nil
		},
	}
}

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

func TestSubmitDecision(t *testing.T) {
	t.Run("approve", func(t *testing.T) {
		api := &fakeAPI{}
		client := testClient(api)

		if err := client.SubmitDecision(context.Background(), testApproval(), approval.DecisionApproved, "lgtm"); err != nil {
			t.Fatalf("SubmitDecision failed: %v", err)
		}

		if len(api.inputs) != 1 {
			t.Fatalf("Expected one PutApprovalResult call, got %d", len(api.inputs))
		}
		in := api.inputs[0]
		if aws.ToString(in.Token) != "t1" || aws.ToString(in.PipelineName) != "Deploy" {
			t.Errorf("Unexpected input: %+v", in)
		}
		if in.Result.Status != types.ApprovalStatusApproved {
			t.Errorf("Expected approved status, got %v", in.Result.Status)
		}
		if aws.ToString(in.Result.Summary) != "lgtm" {
			t.Errorf("Expected comment as summary, got %q", aws.ToString(in.Result.Summary))
		}
	})

	t.Run("reject with default summary", func(t *testing.T) {
		api := &fakeAPI{}
		client := testClient(api)

		if err := client.SubmitDecision(context.Background(), testApproval(), approval.DecisionRejected, ""); err != nil {
			t.Fatalf("SubmitDecision failed: %v", err)
		}

		in := api.inputs[0]
		if in.Result.Status != types.ApprovalStatusRejected {
			t.Errorf("Expected rejected status, got %v", in.Result.Status)
		}
		if aws.ToString(in.Result.Summary) == "" {
			t.Error("Expected a non-empty default summary")
		}
	})

	t.Run("client cached per region", func(t *testing.T) {
		api := &fakeAPI{}
		calls := 0
		client := &Client{
			byRegion: make(map[string]approvalAPI),
			newClient: func(ctx context.Context, region string) (approvalAPI, error) {
				calls++
				return api, nil
			},
		}

		a := testApproval()
		client.SubmitDecision(context.Background(), a, approval.DecisionApproved, "")
		client.SubmitDecision(context.Background(), a, approval.DecisionApproved, "")
		if calls != 1 {
			t.Errorf("Expected one client per region, got %d", calls)
		}
	})
}

func TestSubmitDecisionErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "already completed",
			err:  &types.ApprovalAlreadyCompletedException{Message: aws.String("resolved")},
			want: ErrAlreadyResolved,
		},
		{
			name: "invalid token",
			err:  &types.InvalidApprovalTokenException{Message: aws.String("bad token")},
			want: ErrUnknownToken,
		},
		{
			name: "access denied",
			err: &smithy.GenericAPIError{
				Code:    "AccessDeniedException",
				Message: "not allowed",
			},
			want: ErrPermissionDenied,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := testClient(&fakeAPI{err: tc.err})
			err := client.SubmitDecision(context.Background(), testApproval(), approval.DecisionApproved, "")
			if !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
		})
	}

	t.Run("unclassified error is passed through", func(t *testing.T) {
		client := testClient(&fakeAPI{err: errors.New("connection reset")})
		err := client.SubmitDecision(context.Background(), testApproval(), approval.DecisionApproved, "")
		if err == nil {
			t.Fatal("Expected error")
		}
		if errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrUnknownToken) || errors.Is(err, ErrPermissionDenied) {
			t.Errorf("Expected unclassified error, got %v", err)
		}
	})
}
