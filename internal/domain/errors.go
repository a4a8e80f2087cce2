package domain

import "errors"

var (
	// ErrValidation marks malformed input such as inverted ranges or bad retention periods.
	ErrValidation = errors.New("validation failed")
	// ErrIdentification is returned when an actor cannot be tied to a stable identity.
	ErrIdentification = errors.New("actor cannot be identified")
	// ErrConfiguration indicates a wiring defect, e.g. tracking inside an open transaction.
	ErrConfiguration = errors.New("improperly configured")
	// ErrClassification wraps failures of a segment classifier.
	ErrClassification = errors.New("segment classification failed")
	// ErrNotFound is returned when a row cannot be located.
	ErrNotFound = errors.New("not found")
)
