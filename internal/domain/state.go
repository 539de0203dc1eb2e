package domain

import (
	"fmt"
	"strings"
)

type DepositStatus string

const (
	DepositStatusUnset     DepositStatus = ""
	DepositStatusSubmitted DepositStatus = "SUBMITTED"
	DepositStatusRetry     DepositStatus = "RETRY"
	DepositStatusAccepted  DepositStatus = "ACCEPTED"
	DepositStatusRejected  DepositStatus = "REJECTED"
	DepositStatusFailed    DepositStatus = "FAILED"
)

// IsTerminal reports whether no further automatic transition happens from s.
// The unset status is non-terminal.
func (s DepositStatus) IsTerminal() bool {
	switch s {
	case DepositStatusAccepted, DepositStatusRejected, DepositStatusFailed:
		return true
	default:
		return false
	}
}

func IsTerminal(s DepositStatus) bool {
	return s.IsTerminal()
}

func ParseDepositStatus(raw string) (DepositStatus, error) {
	switch s := DepositStatus(strings.ToUpper(strings.TrimSpace(raw))); s {
	case DepositStatusUnset, DepositStatusSubmitted, DepositStatusRetry,
		DepositStatusAccepted, DepositStatusRejected, DepositStatusFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown deposit status %q", raw)
	}
}

type SubmissionStatus string

const (
	SubmissionStatusNotStarted SubmissionStatus = "NOT_STARTED"
	SubmissionStatusInProgress SubmissionStatus = "IN_PROGRESS"
	SubmissionStatusAccepted   SubmissionStatus = "ACCEPTED"
	SubmissionStatusRejected   SubmissionStatus = "REJECTED"
	SubmissionStatusFailed     SubmissionStatus = "FAILED"
)

func (s SubmissionStatus) IsFinal() bool {
	switch s {
	case SubmissionStatusAccepted, SubmissionStatusRejected, SubmissionStatusFailed:
		return true
	default:
		return false
	}
}

// AggregateStatus derives a submission status from the statuses of its deposits.
// Precedence: REJECTED > FAILED > IN_PROGRESS > ACCEPTED. The result does not
// depend on the order of statuses.
func AggregateStatus(statuses []DepositStatus) SubmissionStatus {
	if len(statuses) == 0 {
		return SubmissionStatusNotStarted
	}

	var rejected, failed, pending bool
	for _, s := range statuses {
		switch s {
		case DepositStatusRejected:
			rejected = true
		case DepositStatusFailed:
			failed = true
		case DepositStatusAccepted:
		default:
			pending = true
		}
	}

	switch {
	case rejected:
		return SubmissionStatusRejected
	case failed:
		return SubmissionStatusFailed
	case pending:
		return SubmissionStatusInProgress
	default:
		return SubmissionStatusAccepted
	}
}

type ResourceKind int

const (
	KindUnknown ResourceKind = iota
	KindDeposit
	KindSubmission
)

func (k ResourceKind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindSubmission:
		return "submission"
	default:
		return "unknown"
	}
}
