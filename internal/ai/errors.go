package ai

import "errors"

var (
	// ErrRateLimited marks a provider-signaled throttling rejection.
	ErrRateLimited = errors.New("rate limited")
	// ErrEmptyResponse is returned when a provider answers without any text.
	ErrEmptyResponse = errors.New("empty response")
	// ErrNoStructuredPayload is returned when no JSON object can be recovered from a response.
	ErrNoStructuredPayload = errors.New("no structured payload in response")
	// ErrMissingCredential is returned by pooled adapters called without a credential.
	ErrMissingCredential = errors.New("credential is required")
)

// Outcome is the closed set of results a provider call can have.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an adapter error to its Outcome. Timeouts are fatal.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	default:
		return OutcomeFatal
	}
}
