package executor

import (
	"errors"

	"github.com/ocx/flowengine/internal/domain"
)

// ClassifiedError tags an executor failure with the error-kind taxonomy
// the orchestrator uses to decide whether a node-execution counts toward
// its retry budget. Executors that don't classify their own errors are
// treated as domain.ErrorKindSystem by KindOf.
type ClassifiedError struct {
	Kind domain.ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with kind, or returns nil unchanged.
func Classify(kind domain.ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

// KindOf extracts the error kind an executor attached to err, defaulting
// to domain.ErrorKindSystem for an unclassified error.
func KindOf(err error) domain.ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return domain.ErrorKindSystem
}
