package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Deposit struct {
	ID              string        `json:"id"`
	SubmissionID    string        `json:"submission_id"`
	RepositoryID    string        `json:"repository_id"`
	Status          DepositStatus `json:"status,omitempty"`
	Locator         string        `json:"locator,omitempty"`
	StatusMessage   string        `json:"status_message,omitempty"`
	Attempts        int           `json:"attempts"`
	CreatedAt       time.Time     `json:"created_at"`
	StatusChangedAt time.Time     `json:"status_changed_at"`
	Version         int64         `json:"version"`
}

type Submission struct {
	ID               string           `json:"id"`
	AggregatedStatus SubmissionStatus `json:"aggregated_status"`
	Metadata         json.RawMessage  `json:"metadata,omitempty"`
	Fault            string           `json:"fault,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	Version          int64            `json:"version"`
}

type Repository struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Protocol string            `json:"protocol"`
	Config   map[string]string `json:"-"`
}

// ResourceError attaches a tracked resource reference to an error so the
// escalation handler knows what to mark.
type ResourceError struct {
	Kind ResourceKind
	ID   string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.ID, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

func WithResource(kind ResourceKind, id string, err error) error {
	if err == nil {
		return nil
	}
	return &ResourceError{Kind: kind, ID: id, Err: err}
}

// ResourceOf returns the outermost resource reference carried by err.
func ResourceOf(err error) (ResourceKind, string, bool) {
	var re *ResourceError
	if !errors.As(err, &re) || re.ID == "" {
		return KindUnknown, "", false
	}
	return re.Kind, re.ID, true
}
