package workloadapi

import "errors"

// Sentinel errors for Workload API client and source failures.
// Check with errors.Is; call sites wrap them with operation detail.
var (
	// ErrInvalidAddress indicates a Workload API endpoint address that is
	// missing, blank, or not a supported unix:// or tcp:// form. Raised
	// before any connection attempt.
	ErrInvalidAddress = errors.New("invalid workload endpoint address")

	// ErrEmptyResponse indicates the server ended the stream before
	// sending a single response to a one-shot fetch.
	ErrEmptyResponse = errors.New("workload API returned an empty response")

	// ErrUnexpectedCompletion indicates a watch stream that completed
	// normally. The protocol is defined as infinite, so a clean end is
	// itself a failure.
	ErrUnexpectedCompletion = errors.New("workload API stream completed unexpectedly")

	// ErrClientClosed indicates an operation on a closed Client.
	ErrClientClosed = errors.New("workload API client is closed")

	// ErrNotReady indicates a read from a source that has not received
	// its first X.509 context.
	ErrNotReady = errors.New("X.509 source has no identity yet")

	// ErrSourceClosed indicates a read from a closed X509Source.
	ErrSourceClosed = errors.New("X.509 source is closed")
)
