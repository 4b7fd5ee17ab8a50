package models

import "errors"

// Sentinel errors shared by storage implementations and services.
var (
	// ErrNotFound indicates a lookup miss. During attribution this is not a
	// failure: the cascade continues with the next strategy.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates a malformed or incomplete ingestion payload.
	ErrValidation = errors.New("validation failed")

	// ErrShopResolution indicates that no shop matches the request's domain.
	ErrShopResolution = errors.New("shop not found for domain")

	// ErrStateConflict indicates a conditional update lost a race, e.g. a
	// second writer trying to convert an already-converted referral.
	ErrStateConflict = errors.New("state conflict")

	// ErrAlreadyExists indicates an idempotent create hit an existing row.
	ErrAlreadyExists = errors.New("already exists")
)
