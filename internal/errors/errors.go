// Package errors provides error handling for recurbill.
//
// It re-exports github.com/cockroachdb/errors and declares the sentinel
// errors every layer classifies failures with. Sentinels are attached with
// Mark so errors.Is keeps working through any amount of wrapping:
//
//	if err := tx.Commit(); err != nil {
//	    return errors.Mark(errors.Wrap(err, "commit occurrences"), errors.ErrPersistence)
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

var (
	// ErrValidation marks a malformed rule or job input. Nothing is persisted.
	ErrValidation = New("validation failed")

	// ErrNotFound marks a reference to a job, occurrence or client that does not exist.
	ErrNotFound = New("not found")

	// ErrStateConflict marks a lifecycle transition attempted from a terminal state.
	ErrStateConflict = New("state conflict")

	// ErrPersistence marks an underlying store failure. Callers own the retry policy.
	ErrPersistence = New("persistence failure")

	// ErrCollaborator marks a failed call to the session or invoice collaborator.
	ErrCollaborator = New("collaborator failure")
)

// IsValidation reports whether err is or wraps ErrValidation.
func IsValidation(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsStateConflict reports whether err is or wraps ErrStateConflict.
func IsStateConflict(err error) bool {
	return err != nil && Is(err, ErrStateConflict)
}

// IsPersistence reports whether err is or wraps ErrPersistence.
func IsPersistence(err error) bool {
	return err != nil && Is(err, ErrPersistence)
}

// IsCollaborator reports whether err is or wraps ErrCollaborator.
func IsCollaborator(err error) bool {
	return err != nil && Is(err, ErrCollaborator)
}

// NewValidationf builds an ErrValidation-marked error with a formatted message.
func NewValidationf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrValidation)
}

// NewNotFoundf builds an ErrNotFound-marked error with a formatted message.
func NewNotFoundf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewStateConflictf builds an ErrStateConflict-marked error with a formatted message.
func NewStateConflictf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrStateConflict)
}

// WrapPersistence wraps a store error and marks it ErrPersistence.
func WrapPersistence(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, msg), ErrPersistence)
}

// WrapCollaborator wraps a collaborator error and marks it ErrCollaborator.
func WrapCollaborator(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, msg), ErrCollaborator)
}
