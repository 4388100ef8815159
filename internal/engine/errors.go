package engine

import "errors"

// Business errors. All of these are recoverable at the dispatch
// boundary and surface as Unsuccessful outcomes; anything else
// propagates as an infrastructure failure.
var (
	// ErrAlreadyClaimed means another principal won the claim race.
	ErrAlreadyClaimed = errors.New("task invitation already claimed")
	// ErrInstanceNotClaimable means the owning instance is not active
	// or already advanced.
	ErrInstanceNotClaimable = errors.New("workflow instance is not claimable")
	// ErrInvalidTransition means a lifecycle change was attempted from
	// an incompatible status.
	ErrInvalidTransition = errors.New("invalid workflow status transition")
	// ErrInvalidDateRange means postpone dates are malformed, inverted
	// or in the past.
	ErrInvalidDateRange = errors.New("invalid postpone date range")
	// ErrUnauthorized means the principal does not hold the instance.
	ErrUnauthorized = errors.New("principal is not the current actor")
	// ErrRoleClassMismatch means a reassignment target falls outside
	// the invitation role's equivalence class.
	ErrRoleClassMismatch = errors.New("target role is not interchangeable with the invitation role")
)
