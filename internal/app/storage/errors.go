package storage

import (
	"errors"

	svcerrors "github.com/R3E-Network/marketplace_layer/internal/errors"
)

// Classify converts a store error into the service taxonomy. kind and id
// describe the record for the NotFound message. Unknown errors become
// internal errors.
func Classify(err error, kind, id string) error {
	switch {
	case err == nil:
		return nil
	case svcerrors.GetServiceError(err) != nil:
		return err
	case errors.Is(err, ErrNotFound):
		return svcerrors.NotFound(kind, id)
	case errors.Is(err, ErrConflict):
		return svcerrors.Conflict(kind+" "+id+" was modified concurrently; retry", err)
	case errors.Is(err, ErrDuplicate):
		return svcerrors.InvalidState("%s %s already exists", kind, id)
	default:
		return svcerrors.Internal("storage failure on "+kind, err)
	}
}
