package channel

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned by Send when the circuit breaker is open
// and the call failed fast without touching the network.
var ErrCircuitOpen = errors.New("channel: circuit open")

// ErrRateLimited is returned when the local token bucket stayed
// exhausted past the bounded wait Send is willing to absorb.
var ErrRateLimited = errors.New("channel: rate limit wait exhausted")

// ErrRetriesExhausted wraps the last transient error after the attempt
// budget is spent.
var ErrRetriesExhausted = errors.New("channel: retries exhausted")

// AuthError reports a credential or permission failure from the channel
// API. It is terminal: retrying cannot change the outcome.
type AuthError struct {
	Code        int
	Description string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("channel: auth rejected (%d): %s", e.Code, e.Description)
}

// RequestError reports a request the API rejected outright, such as an
// oversized message or a malformed chat id. Terminal like an auth
// failure, but the credential itself is fine.
type RequestError struct {
	Code        int
	Description string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("channel: request rejected (%d): %s", e.Code, e.Description)
}

// apiError is a non-auth error response from the channel API.
type apiError struct {
	Code        int
	Description string
	RetryAfter  int // seconds, from a 429 response; 0 otherwise
}

func (e *apiError) Error() string {
	return fmt.Sprintf("channel: api error (%d): %s", e.Code, e.Description)
}

// isAuthCode reports whether an API status code indicates a terminal
// credential/permission problem rather than a transient fault. 400 is
// not here: the Bot API uses it for bad requests, not bad credentials.
func isAuthCode(code int) bool {
	switch code {
	case 401, 403, 404:
		return true
	}
	return false
}
