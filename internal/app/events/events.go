// Package events carries marketplace lifecycle notifications to interested
// parties. Publishing never fails the operation that produced the event.
package events

import (
	"context"
	"slices"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	JobCreated              Type = "job_created"
	ApplicationReceived     Type = "application_received"
	ApplicationAccepted     Type = "application_accepted"
	ApplicationRejected     Type = "application_rejected"
	CompletionSubmitted     Type = "completion_submitted"
	PaymentReleased         Type = "payment_released"
	ReputationMinted        Type = "reputation_minted"
	JobCompleted            Type = "job_completed"
	JobCancelled            Type = "job_cancelled"
	JobDisputed             Type = "job_disputed"
	SettlementIndeterminate Type = "settlement_indeterminate"
)

// Event is one notification. Recipients are the ledger addresses it
// concerns; subscribers filtering by address only see their own events.
type Event struct {
	Type       Type           `json:"type"`
	JobID      string         `json:"job_id"`
	Recipients []string       `json:"recipients,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// For reports whether the event concerns address. An empty address matches
// nothing.
func (e Event) For(address string) bool {
	return address != "" && slices.Contains(e.Recipients, address)
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Fanout publishes to several publishers in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, evt)
		}
	}
}
