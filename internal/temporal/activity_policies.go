package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	ActivityPolicyPrepare  = "prepare"
	ActivityPolicyPackage  = "package"
	ActivityPolicyTransmit = "transmit"
	ActivityPolicyRecord   = "record"
	ActivityPolicyEscalate = "escalate"
)

type activityPolicy struct {
	StartToCloseTimeout time.Duration
	RetryPolicy         temporal.RetryPolicy
}

var storeRetry = temporal.RetryPolicy{
	InitialInterval:    1 * time.Second,
	BackoffCoefficient: 2,
	MaximumInterval:    10 * time.Second,
	MaximumAttempts:    3,
}

// Packaging and transmission run once per workflow. Their failures are
// already classified into deposit statuses and a second transmission is the
// advancement sweep's decision, not Temporal's.
var activityPolicies = map[string]activityPolicy{
	ActivityPolicyPrepare: {
		StartToCloseTimeout: 1 * time.Minute,
		RetryPolicy:         storeRetry,
	},
	ActivityPolicyPackage: {
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	},
	ActivityPolicyTransmit: {
		StartToCloseTimeout: 15 * time.Minute,
		RetryPolicy: temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	},
	ActivityPolicyRecord: {
		StartToCloseTimeout: 1 * time.Minute,
		RetryPolicy:         storeRetry,
	},
	ActivityPolicyEscalate: {
		StartToCloseTimeout: 1 * time.Minute,
		RetryPolicy:         storeRetry,
	},
}

func ActivityOptionsFor(policyName string) (workflow.ActivityOptions, error) {
	policy, ok := activityPolicies[policyName]
	if !ok {
		return workflow.ActivityOptions{}, fmt.Errorf("unknown activity policy: %s", policyName)
	}

	retry := policy.RetryPolicy
	return workflow.ActivityOptions{
		StartToCloseTimeout: policy.StartToCloseTimeout,
		RetryPolicy:         &retry,
	}, nil
}

func mustActivityContext(ctx workflow.Context, policyName string) workflow.Context {
	ao, err := ActivityOptionsFor(policyName)
	if err != nil {
		panic(err)
	}
	return workflow.WithActivityOptions(ctx, ao)
}
