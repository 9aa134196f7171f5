package application

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an application.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusApproved  Status = "approved"
)

// CompletionData is what a freelancer hands in when the work is done.
type CompletionData struct {
	Deliverables string    `json:"deliverables"`
	Notes        string    `json:"notes,omitempty"`
	FileRefs     []string  `json:"file_refs,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Application is a freelancer's proposal for a job.
type Application struct {
	ID                string          `json:"id"`
	JobID             string          `json:"job_id"`
	FreelancerAddress string          `json:"freelancer_address"`
	Proposal          string          `json:"proposal"`
	QuotedPrice       decimal.Decimal `json:"quoted_price"`
	EstimatedDuration string          `json:"estimated_duration"`
	Status            Status          `json:"status"`
	CompletionData    *CompletionData `json:"completion_data,omitempty"`
	Rating            *int            `json:"rating,omitempty"`
	Comment           string          `json:"comment,omitempty"`
	AppliedAt         time.Time       `json:"applied_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ApprovedAt        *time.Time      `json:"approved_at,omitempty"`
	Version           int64           `json:"version"`
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusAccepted, StatusRejected},
	StatusAccepted:  {StatusCompleted},
	StatusCompleted: {StatusApproved},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether the application still counts against the
// one-application-per-freelancer-per-job rule.
func (a Application) Active() bool {
	return a.Status != StatusRejected
}

// Engaged reports whether the application holds the job's single
// accepted slot.
func (a Application) Engaged() bool {
	return a.Status == StatusAccepted || a.Status == StatusCompleted
}
