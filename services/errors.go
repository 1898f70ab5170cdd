package services

import (
	"errors"
	"fmt"
)

var (
	ErrValidation              = errors.New("validation failed")
	ErrConcurrency             = errors.New("rating updated concurrently, retry with fresh ratings")
	ErrStorage                 = errors.New("storage failure")
	ErrExclusionInconsistency  = errors.New("ledger invariant violated")
	ErrGameNotFound            = errors.New("game not found")
	ErrIdentityNotFound        = errors.New("identity not found")
	ErrRecalculationInProgress = errors.New("recalculation already in progress")
	ErrRecalculationCancelled  = errors.New("recalculation cancelled")
)

// ValidationError rejects caller input before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	// already classified further down
	for _, known := range []error{ErrStorage, ErrConcurrency, ErrValidation, ErrExclusionInconsistency, ErrGameNotFound, ErrRecalculationCancelled} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

func inconsistent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrExclusionInconsistency, fmt.Sprintf(format, args...))
}
