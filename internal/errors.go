package recall

import "errors"

// Sentinel errors for the proxy domain.
var (
	// ErrBadRequest marks a body that is not JSON or lacks a prompt field.
	ErrBadRequest = errors.New("bad request")
	// ErrValidation marks a well-formed but invalid request (n <= 0, unknown role).
	ErrValidation = errors.New("invalid request")
	// ErrUpstreamUnavailable marks connection refusal, DNS failure, or timeout.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamProtocol marks an upstream 5xx, a malformed upstream response,
	// or fewer completions than requested.
	ErrUpstreamProtocol = errors.New("upstream protocol error")
)
