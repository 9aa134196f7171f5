package workflow

import (
	"strings"
	"time"

	"github.com/R3E-Network/marketplace_layer/internal/errors"
)

// Observer receives operation and settlement outcomes, typically to feed
// metrics.
type Observer interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	ObserveSettlement(outcome string)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, string, time.Duration) {}
func (nopObserver) ObserveSettlement(string)                       {}

// Outcome names the result of an operation for observers: "success" or the
// lowercased error code.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	return strings.ToLower(string(errors.CodeOf(err)))
}
