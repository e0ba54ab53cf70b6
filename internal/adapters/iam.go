// Package adapters holds clients for the external AWS collaborators: the IAM
// identity store that carries the deny policy and the CloudWatch metrics sink.
package adapters

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/qubitops/costguard/internal/enforcer"
)

// IAMPolicyStore attaches and detaches the deny policy on IAM users, groups
// and roles. Implements enforcer.PolicyStore.
type IAMPolicyStore struct {
	client *iam.Client
}

// NewIAMPolicyStore resolves AWS configuration from the environment.
func NewIAMPolicyStore(ctx context.Context) (*IAMPolicyStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &IAMPolicyStore{client: iam.NewFromConfig(cfg)}, nil
}

// Attach attaches the managed policy to the identity. Attaching an
// already-attached policy succeeds, keeping the operation idempotent for
// replayed edges.
func (s *IAMPolicyStore) Attach(ctx context.Context, identity enforcer.Identity, policyARN string) error {
	var err error
	switch identity.Kind {
	case enforcer.KindGroup:
		_, err = s.client.AttachGroupPolicy(ctx, &iam.AttachGroupPolicyInput{
			GroupName: &identity.Name,
			PolicyArn: &policyARN,
		})
	case enforcer.KindRole:
		_, err = s.client.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  &identity.Name,
			PolicyArn: &policyARN,
		})
	default:
		_, err = s.client.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{
			UserName:  &identity.Name,
			PolicyArn: &policyARN,
		})
	}
	if err != nil {
		return fmt.Errorf("attach %s to %s %s: %w", policyARN, identity.Kind, identity.Name, err)
	}
	return nil
}

// Detach removes the managed policy from the identity. A policy that is not
// attached detaches successfully.
func (s *IAMPolicyStore) Detach(ctx context.Context, identity enforcer.Identity, policyARN string) error {
	var err error
	switch identity.Kind {
	case enforcer.KindGroup:
		_, err = s.client.DetachGroupPolicy(ctx, &iam.DetachGroupPolicyInput{
			GroupName: &identity.Name,
			PolicyArn: &policyARN,
		})
	case enforcer.KindRole:
		_, err = s.client.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  &identity.Name,
			PolicyArn: &policyARN,
		})
	default:
		_, err = s.client.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{
			UserName:  &identity.Name,
			PolicyArn: &policyARN,
		})
	}

	// Detaching a policy that is not attached reports NoSuchEntity; treat it
	// as success so replayed clear edges converge.
	var nse *iamtypes.NoSuchEntityException
	if errors.As(err, &nse) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detach %s from %s %s: %w", policyARN, identity.Kind, identity.Name, err)
	}
	return nil
}
