package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAuth         = errors.New("authentication failed")
	ErrValidation   = errors.New("invalid payload")
	ErrPolicyDenied = errors.New("sender not authorized")
	ErrDelivery     = errors.New("delivery failed")
	ErrRateLimited  = errors.New("rate limited")
	ErrInternal     = errors.New("internal error")
)

// StatusError is returned for a non-success HTTP response from a platform API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps the status onto the error taxonomy.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return ErrDelivery
}

// PolicyError carries the stable, human-readable denial reason.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return e.Reason }

func (e *PolicyError) Unwrap() error { return ErrPolicyDenied }
