package reputation

import (
	"context"
	"errors"
	"iter"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
	domain "github.com/R3E-Network/marketplace_layer/internal/app/domain/reputation"
	"github.com/R3E-Network/marketplace_layer/internal/app/storage"
	svcerrors "github.com/R3E-Network/marketplace_layer/internal/errors"
	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

// MintRequest describes the job a token is minted for.
type MintRequest struct {
	Freelancer    string
	JobID         string
	ApplicationID string
	JobTitle      string
	Employer      string
	Rating        int
	Comment       string
	JobBudget     decimal.Decimal
	JobCurrency   money.Currency
}

// Service issues soulbound reputation tokens.
type Service struct {
	store storage.ReputationStore
	log   *logger.Logger
}

// New constructs a reputation issuer.
func New(store storage.ReputationStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("reputation")
	}
	return &Service{store: store, log: log}
}

// Mint issues the token for a job/application pair. Minting the same pair
// again returns the token already issued.
func (s *Service) Mint(ctx context.Context, req MintRequest) (domain.Token, error) {
	req.Freelancer = strings.TrimSpace(req.Freelancer)
	switch {
	case req.Freelancer == "":
		return domain.Token{}, svcerrors.Validation("freelancer address is required")
	case req.JobID == "" || req.ApplicationID == "":
		return domain.Token{}, svcerrors.Validation("job and application ids are required")
	case !domain.ValidRating(req.Rating):
		return domain.Token{}, svcerrors.Validation("rating must be between 1 and 5")
	}

	tokenID := domain.TokenIDFor(req.JobID, req.ApplicationID)
	if existing, err := s.store.GetTokenByTokenID(ctx, tokenID); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return domain.Token{}, storage.Classify(err, "reputation token", tokenID)
	}

	tok, err := s.store.CreateToken(ctx, domain.Token{
		TokenID:           tokenID,
		FreelancerAddress: req.Freelancer,
		JobID:             req.JobID,
		ApplicationID:     req.ApplicationID,
		JobTitle:          req.JobTitle,
		EmployerAddress:   req.Employer,
		Rating:            req.Rating,
		Comment:           strings.TrimSpace(req.Comment),
		JobBudget:         req.JobBudget,
		JobCurrency:       req.JobCurrency,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		// Lost a race with a concurrent mint of the same pair.
		existing, getErr := s.store.GetTokenByTokenID(ctx, tokenID)
		if getErr != nil {
			return domain.Token{}, storage.Classify(getErr, "reputation token", tokenID)
		}
		return existing, nil
	}
	if err != nil {
		return domain.Token{}, storage.Classify(err, "reputation token", tokenID)
	}
	s.log.WithField("token_id", tok.TokenID).
		WithField("freelancer", tok.FreelancerAddress).
		WithField("rating", tok.Rating).
		Info("reputation token minted")
	return tok, nil
}

// Query returns a freelancer's tokens, newest first.
func (s *Service) Query(ctx context.Context, freelancer string) (iter.Seq[domain.Token], error) {
	freelancer = strings.TrimSpace(freelancer)
	if freelancer == "" {
		return nil, svcerrors.Validation("freelancer address is required")
	}
	tokens, err := s.store.ListTokensByFreelancer(ctx, freelancer)
	if err != nil {
		return nil, storage.Classify(err, "reputation token", freelancer)
	}
	return slices.Values(tokens), nil
}

// Summary aggregates a freelancer's tokens. recent selects the window of
// newest tokens averaged separately.
func (s *Service) Summary(ctx context.Context, freelancer string, recent int) (domain.Summary, error) {
	tokens, err := s.Query(ctx, freelancer)
	if err != nil {
		return domain.Summary{}, err
	}
	return domain.Summarize(strings.TrimSpace(freelancer), tokens, recent), nil
}
