// Package errors provides error handling for smripost.
//
// It re-exports github.com/cockroachdb/errors and adds the pipeline's error
// taxonomy. Every typed error belongs to one of five kinds:
//
//	ErrConfiguration  aborts the run before any subject is processed
//	ErrMissingData    fatal for one subject, siblings continue
//	ErrAmbiguity      fatal for one query
//	ErrSpaceTransform fatal for one atlas of one subject
//	ErrReconciliation fatal for one parcellation table
//
// Usage:
//
//	if errors.IsMissingData(err) {
//	    // record the failure for this subject and move on
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New           = crdb.New
	Newf          = crdb.Newf
	Wrap          = crdb.Wrap
	Wrapf         = crdb.Wrapf
	WithStack     = crdb.WithStack
	WithMessage   = crdb.WithMessage
	WithMessagef  = crdb.WithMessagef
	Mark          = crdb.Mark
	CombineErrors = crdb.CombineErrors

	AssertionFailedf = crdb.AssertionFailedf
)

// User-facing messages and details
var (
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllHints    = crdb.GetAllHints
	FlattenHints   = crdb.FlattenHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	HasType   = crdb.HasType
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Error kinds
var (
	ErrConfiguration  = crdb.New("configuration error")
	ErrMissingData    = crdb.New("missing data")
	ErrAmbiguity      = crdb.New("ambiguous match")
	ErrSpaceTransform = crdb.New("space transform error")
	ErrReconciliation = crdb.New("reconciliation error")
)

// IsConfiguration reports whether err must abort the run before subjects start.
func IsConfiguration(err error) bool {
	return crdb.Is(err, ErrConfiguration)
}

// IsMissingData reports whether err is a missing-input error.
func IsMissingData(err error) bool {
	return crdb.Is(err, ErrMissingData)
}

// IsAmbiguity reports whether err comes from a query with too many matches.
func IsAmbiguity(err error) bool {
	return crdb.Is(err, ErrAmbiguity)
}

// IsSpaceTransform reports whether err comes from the atlas space-transform stage.
func IsSpaceTransform(err error) bool {
	return crdb.Is(err, ErrSpaceTransform)
}

// IsReconciliation reports whether err comes from a redundant-column check.
func IsReconciliation(err error) bool {
	return crdb.Is(err, ErrReconciliation)
}

// IsSubjectFatal reports whether err stops the current subject while other
// subjects carry on.
func IsSubjectFatal(err error) bool {
	return IsMissingData(err) || IsAmbiguity(err)
}

// Kind returns the taxonomy kind of err, or nil when err is untyped.
func Kind(err error) error {
	for _, kind := range []error{
		ErrConfiguration, ErrMissingData, ErrAmbiguity, ErrSpaceTransform, ErrReconciliation,
	} {
		if crdb.Is(err, kind) {
			return kind
		}
	}
	return nil
}
