package spiffeid

import "errors"

// Sentinel errors for identity parsing failures.
// Check with errors.Is; constructors wrap them with detail via fmt.Errorf("%w: ...").
var (
	// ErrInvalidTrustDomain indicates a string that cannot be parsed as a
	// SPIFFE trust domain.
	ErrInvalidTrustDomain = errors.New("invalid trust domain")

	// ErrInvalidID indicates a string or set of path segments that cannot
	// form a valid SPIFFE ID.
	ErrInvalidID = errors.New("invalid SPIFFE ID")
)
