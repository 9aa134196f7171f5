package reputation

import (
	"crypto/sha256"
	"encoding/hex"
	"iter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
)

// Token is a soulbound credential recording a freelancer's rating for one
// completed job. There is no transfer or burn operation.
type Token struct {
	ID                string          `json:"id"`
	TokenID           string          `json:"token_id"`
	FreelancerAddress string          `json:"freelancer_address"`
	JobID             string          `json:"job_id"`
	ApplicationID     string          `json:"application_id"`
	JobTitle          string          `json:"job_title"`
	EmployerAddress   string          `json:"employer_address"`
	Rating            int             `json:"rating"`
	Comment           string          `json:"comment,omitempty"`
	JobBudget         decimal.Decimal `json:"job_budget"`
	JobCurrency       money.Currency  `json:"job_currency"`
	MintedAt          time.Time       `json:"minted_at"`
}

// Transferable is always false.
func (Token) Transferable() bool { return false }

// TokenIDFor derives the token id for a job/application pair so that the
// same pair always maps to the same token.
func TokenIDFor(jobID, applicationID string) string {
	sum := sha256.Sum256([]byte(jobID + "\x00" + applicationID))
	return "sbt_" + hex.EncodeToString(sum[:16])
}

// ValidRating reports whether r is within 1..5.
func ValidRating(r int) bool {
	return r >= 1 && r <= 5
}

// Summary aggregates a freelancer's tokens.
type Summary struct {
	FreelancerAddress string                             `json:"freelancer_address"`
	TotalJobs         int                                `json:"total_jobs"`
	AverageRating     float64                            `json:"average_rating"`
	RecentAverage     float64                            `json:"recent_average"`
	RecentWindow      int                                `json:"recent_window"`
	Histogram         [5]int                             `json:"histogram"`
	TotalEarnings     map[money.Currency]decimal.Decimal `json:"total_earnings"`
}

// DefaultRecentWindow is the number of newest tokens in RecentAverage.
const DefaultRecentWindow = 5

// Summarize folds tokens, newest first, into a Summary. recent is clamped
// to 3..5; zero selects DefaultRecentWindow.
func Summarize(freelancer string, tokens iter.Seq[Token], recent int) Summary {
	switch {
	case recent == 0:
		recent = DefaultRecentWindow
	case recent < 3:
		recent = 3
	case recent > 5:
		recent = 5
	}

	s := Summary{
		FreelancerAddress: freelancer,
		RecentWindow:      recent,
		TotalEarnings:     make(map[money.Currency]decimal.Decimal),
	}
	var total, recentTotal, recentCount int
	for tok := range tokens {
		if !ValidRating(tok.Rating) {
			continue
		}
		s.TotalJobs++
		total += tok.Rating
		s.Histogram[tok.Rating-1]++
		if recentCount < recent {
			recentTotal += tok.Rating
			recentCount++
		}
		if tok.JobCurrency != "" {
			s.TotalEarnings[tok.JobCurrency] = s.TotalEarnings[tok.JobCurrency].Add(tok.JobBudget)
		}
	}
	if s.TotalJobs > 0 {
		s.AverageRating = float64(total) / float64(s.TotalJobs)
	}
	if recentCount > 0 {
		s.RecentAverage = float64(recentTotal) / float64(recentCount)
	}
	return s
}
