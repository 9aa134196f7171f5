package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
)

// Status is the settlement state of an escrow.
type Status string

const (
	StatusLocked            Status = "locked"
	StatusPendingSettlement Status = "pending_settlement"
	StatusReleased          Status = "released"
	StatusCancelled         Status = "cancelled"
)

// Escrow records funds notionally reserved for a job. The lock is advisory:
// nothing moves until release.
type Escrow struct {
	ID                string          `json:"id"`
	JobID             string          `json:"job_id"`
	EmployerAddress   string          `json:"employer_address"`
	FreelancerAddress string          `json:"freelancer_address,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          money.Currency  `json:"currency"`
	Status            Status          `json:"status"`
	SettlementRef     string          `json:"settlement_ref,omitempty"`
	TxRef             string          `json:"tx_ref,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ReleasedAt        *time.Time      `json:"released_at,omitempty"`
	Version           int64           `json:"version"`
}

var transitions = map[Status][]Status{
	StatusLocked:            {StatusPendingSettlement, StatusCancelled},
	StatusPendingSettlement: {StatusReleased, StatusLocked},
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

// Terminal reports whether s admits no further change.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusCancelled
}

// Stats summarises an employer's escrows. Amounts are keyed by currency
// because budgets in different assets cannot be summed.
type Stats struct {
	TotalLocked    map[money.Currency]decimal.Decimal `json:"total_locked"`
	TotalReleased  map[money.Currency]decimal.Decimal `json:"total_released"`
	ActiveCount    int                                `json:"active_count"`
	CompletedCount int                                `json:"completed_count"`
}

// Summarize folds escrows into Stats. Pending settlements count as active
// and locked.
func Summarize(escrows []Escrow) Stats {
	stats := Stats{
		TotalLocked:   make(map[money.Currency]decimal.Decimal),
		TotalReleased: make(map[money.Currency]decimal.Decimal),
	}
	for _, e := range escrows {
		switch e.Status {
		case StatusLocked, StatusPendingSettlement:
			stats.ActiveCount++
			stats.TotalLocked[e.Currency] = stats.TotalLocked[e.Currency].Add(e.Amount)
		case StatusReleased:
			stats.CompletedCount++
			stats.TotalReleased[e.Currency] = stats.TotalReleased[e.Currency].Add(e.Amount)
		}
	}
	return stats
}
