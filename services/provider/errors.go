package provider

import (
	"errors"
	"fmt"
	"time"
)

// AuthError is a non-retryable authentication rejection (401/403). Cached
// tokens derived from the failing credential must be invalidated.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (status %d, code %s): %s", e.Status, e.Code, e.Message)
}

// RateLimitError means the provider rejected the call for rate reasons (429).
// RetryAfter carries the provider-mandated wait when one was given, zero
// otherwise.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s: %s", e.RetryAfter, e.Message)
	}
	return "rate limited: " + e.Message
}

// TransientError covers network failures and 5xx responses, retryable with
// bounded backoff.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient upstream error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MalformedError marks a response the client could not decode. Retrying the
// same request would yield the same garbage, so it is surfaced immediately.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed provider response: %v", e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// IsAuth reports whether err is an authentication-class failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRateLimited reports whether err is a rate-limit-class failure and
// returns the mandated wait if any.
func IsRateLimited(err error) (time.Duration, bool) {
	var re *RateLimitError
	if errors.As(err, &re) {
		return re.RetryAfter, true
	}
	return 0, false
}

// IsTransient reports whether err is retryable with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsMalformed reports whether err is a non-retryable decode failure.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}
