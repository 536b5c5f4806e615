package models

import "github.com/pkg/errors"

// Error taxonomy shared by every layer. Lower layers wrap these with context;
// the HTTP boundary unwraps with errors.Is to pick a status code.
var (
	ErrUnauthenticated         = errors.New("unauthenticated")
	ErrInvalidSignature        = errors.New("invalid signature")
	ErrStalePayload            = errors.New("stale payload")
	ErrNotFound                = errors.New("not found")
	ErrDuplicateEnrollment     = errors.New("duplicate enrollment")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrConcurrentUpdate        = errors.New("concurrent update")
	ErrUpstreamDeliveryFailure = errors.New("upstream delivery failure")
	ErrGatewayFailure          = errors.New("certificate gateway failure")
	ErrRateLimited             = errors.New("rate limited")
)
