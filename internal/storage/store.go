package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deposit-orchestrator/internal/critical"
	"deposit-orchestrator/internal/domain"
)

var ErrNotFound = errors.New("not found")

const (
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Deposits persists deposits. CompareAndSet returns an error matching
// critical.ErrConflict when the stored version moved on and ErrNotFound when
// the deposit does not exist.
type Deposits interface {
	critical.Store[domain.Deposit]
	// Insert creates d unless a deposit for the same submission and repository
	// already exists, in which case the existing one is returned with created
	// set to false.
	Insert(ctx context.Context, d domain.Deposit) (stored domain.Deposit, created bool, err error)
	ListBySubmission(ctx context.Context, submissionID string) ([]domain.Deposit, error)
	// ListAdvanceable returns non-terminal deposits that a sweep may move
	// forward: RETRY deposits, deposits holding a locator, and deposits whose
	// status has not changed since staleBefore.
	ListAdvanceable(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Deposit, error)
}

type Submissions interface {
	critical.Store[domain.Submission]
	Insert(ctx context.Context, s domain.Submission) (stored domain.Submission, created bool, err error)
	// ListForAggregation returns unfaulted submissions whose aggregate is not
	// final or that still own a non-terminal deposit.
	ListForAggregation(ctx context.Context, limit int) ([]domain.Submission, error)
}

type Store interface {
	Deposits() Deposits
	Submissions() Submissions
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the store selected by driver. The memory driver ignores dsn.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverPostgres, DriverPGX, DriverSQLite, "":
		if driver == "" {
			driver = DriverPostgres
		}
		return OpenSQLStore(ctx, driver, dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

var nonTerminalDepositStatuses = []string{
	string(domain.DepositStatusUnset),
	string(domain.DepositStatusSubmitted),
	string(domain.DepositStatusRetry),
}

var finalSubmissionStatuses = []string{
	string(domain.SubmissionStatusAccepted),
	string(domain.SubmissionStatusRejected),
	string(domain.SubmissionStatusFailed),
}
