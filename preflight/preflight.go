// Package preflight checks that a principal may run a multipart upload
// before any data is sent.
package preflight

import (
	"context"
	"fmt"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/gurre/s3mpu/aws"
	mperrors "github.com/gurre/s3mpu/errors"
	"github.com/gurre/s3mpu/logger"
)

// Actions is the set of S3 actions a resumable multipart upload needs.
// CreateMultipartUpload, UploadPart and CompleteMultipartUpload are all
// authorized by s3:PutObject.
var Actions = []string{
	"s3:PutObject",
	"s3:ListMultipartUploadParts",
	"s3:AbortMultipartUpload",
}

// Checker simulates the principal's policies against the upload's object.
type Checker struct {
	client aws.IAMClient
}

// NewChecker creates a Checker.
func NewChecker(client aws.IAMClient) *Checker {
	return &Checker{client: client}
}

// Check returns a configuration error listing every action the principal
// is not allowed to perform on bucket/key.
func (c *Checker) Check(ctx context.Context, principalARN, bucket, key string) error {
	if principalARN == "" {
		return mperrors.Configuration("preflight", "principal ARN is required")
	}
	resource := fmt.Sprintf("arn:aws:s3:::%s/%s", bucket, key)

	var denied []string
	paginator := iam.NewSimulatePrincipalPolicyPaginator(c.client, &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: awssdk.String(principalARN),
		ActionNames:     Actions,
		ResourceArns:    []string{resource},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return mperrors.ClassifyObject("preflight", bucket, key, err)
		}
		for _, r := range page.EvaluationResults {
			action := awssdk.ToString(r.EvalActionName)
			logger.Ctx(ctx).Debug().Str("action", action).Str("decision", string(r.EvalDecision)).Msg("simulated permission")
			if r.EvalDecision != types.PolicyEvaluationDecisionTypeAllowed {
				denied = append(denied, fmt.Sprintf("%s (%s)", action, r.EvalDecision))
			}
		}
	}

	if len(denied) > 0 {
		return mperrors.Configuration("preflight", "%s is not allowed: %s", principalARN, strings.Join(denied, ", ")).
			WithBucket(bucket).WithKey(key)
	}
	return nil
}
