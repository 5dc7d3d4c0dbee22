package models

import "errors"

// CIState is the normalized state reported by a CI status provider.
type CIState string

const (
	CIStateSuccess    CIState = "success"
	CIStateFailure    CIState = "failure"
	CIStateError      CIState = "error"
	CIStatePending    CIState = "pending"
	CIStateInProgress CIState = "in_progress"
)

// ErrUnsupportedRef is returned by CI providers for references they cannot resolve.
var ErrUnsupportedRef = errors.New("unsupported submission reference")
