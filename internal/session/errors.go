package session

import "errors"

// Caller-facing failure kinds. The HTTP layer maps each to a distinct
// response code, so these must stay distinguishable via errors.Is.
var (
	// ErrNotReady: operation needs a CONNECTED session. Retry after
	// WaitUntilReady.
	ErrNotReady = errors.New("session not ready")

	// ErrInitializationExhausted: the connect attempt budget ran out. The
	// session is back at UNINITIALIZED with no cooldown applied.
	ErrInitializationExhausted = errors.New("session initialization exhausted")

	// ErrDeliveryFailed: the provider rejected or timed out a send. Not
	// retried automatically; the session stays CONNECTED.
	ErrDeliveryFailed = errors.New("message delivery failed")

	// ErrLogoutFailed: the provider disconnect call itself errored. Callers
	// are expected to fall back to ForceReset.
	ErrLogoutFailed = errors.New("logout failed")
)
