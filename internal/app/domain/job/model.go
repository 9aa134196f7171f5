package job

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusDisputed   Status = "disputed"
)

// EscrowStatus tracks whether the job's escrow record was created.
type EscrowStatus string

const (
	EscrowPending EscrowStatus = "pending"
	EscrowCreated EscrowStatus = "created"
	EscrowFailed  EscrowStatus = "failed"
)

// Job is a posting by an employer.
type Job struct {
	ID                        string          `json:"id"`
	Title                     string          `json:"title"`
	Description               string          `json:"description"`
	Budget                    decimal.Decimal `json:"budget"`
	Currency                  money.Currency  `json:"currency"`
	EmployerAddress           string          `json:"employer_address"`
	Status                    Status          `json:"status"`
	SelectedFreelancerAddress string          `json:"selected_freelancer_address,omitempty"`
	EscrowID                  string          `json:"escrow_id,omitempty"`
	EscrowStatus              EscrowStatus    `json:"escrow_status"`
	EscrowError               string          `json:"escrow_error,omitempty"`
	Requirements              []string        `json:"requirements"`
	Tags                      []string        `json:"tags"`
	Deadline                  *time.Time      `json:"deadline,omitempty"`
	DisputeReason             string          `json:"dispute_reason,omitempty"`
	CreatedAt                 time.Time       `json:"created_at"`
	UpdatedAt                 time.Time       `json:"updated_at"`
	Version                   int64           `json:"version"`
}

var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusDisputed, StatusCancelled},
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

// Terminal reports whether no edge leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusCompleted, StatusCancelled, StatusDisputed:
		return true
	}
	return false
}

// HasTag reports whether the job carries tag, ignoring case.
func (j Job) HasTag(tag string) bool {
	for _, t := range j.Tags {
		if equalFold(t, tag) {
			return true
		}
	}
	return false
}
