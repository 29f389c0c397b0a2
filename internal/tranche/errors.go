package tranche

import "errors"

// Sentinel errors for the accounting engine. Callers classify outcomes with
// errors.Is; everything else surfaced by the engine is a configuration or
// input error and is safe to retry with corrected input.
var (
	// ErrUnauthorized: the caller is not the registered kernel (or an
	// authorized admin, for parameter setters). No state change.
	ErrUnauthorized = errors.New("caller is not authorized for this market")

	// ErrConservationViolation: the waterfall's own arithmetic failed to
	// conserve value. Fatal for the enclosing operation; never auto-retried,
	// since the same inputs reproduce the same inconsistency.
	ErrConservationViolation = errors.New("conservation violated: raw and effective NAVs diverge")

	// ErrInvalidPostOpState: the physical operation and the observed raw-NAV
	// deltas are mutually inconsistent. Fatal for the enclosing operation.
	ErrInvalidPostOpState = errors.New("post-op deltas inconsistent with operation kind")

	// ErrCoverageUnsatisfied: the operation would leave the market
	// under-collateralized. Expected, non-corrupting; the caller may retry
	// with different parameters.
	ErrCoverageUnsatisfied = errors.New("coverage requirement unsatisfied")
)
