// Package errors defines the gateway error taxonomy. Every error carries an
// HTTP status and a stable error code so the HTTP layer can render it without
// type-switching on concrete provider failures.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// GatewayError is the common surface of all taxonomy errors.
type GatewayError interface {
	error
	StatusCode() int
	ErrorCode() string
}

// AuthenticationError: missing or unknown credential.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string   { return e.Message }
func (e *AuthenticationError) StatusCode() int { return http.StatusUnauthorized }
func (e *AuthenticationError) ErrorCode() string {
	return "authentication_error"
}

// DepartmentNotAllowedError: the API key's department allow-list forbids the
// requested department.
type DepartmentNotAllowedError struct {
	Department string
}

func (e *DepartmentNotAllowedError) Error() string {
	return fmt.Sprintf("department %q not allowed for this API key", e.Department)
}
func (e *DepartmentNotAllowedError) StatusCode() int   { return http.StatusForbidden }
func (e *DepartmentNotAllowedError) ErrorCode() string { return "department_not_allowed" }

// BudgetExceededError: reserved for hard budget enforcement. Soft downgrades
// are policy overrides, not errors.
type BudgetExceededError struct {
	Message string
}

func (e *BudgetExceededError) Error() string     { return e.Message }
func (e *BudgetExceededError) StatusCode() int   { return http.StatusTooManyRequests }
func (e *BudgetExceededError) ErrorCode() string { return "budget_exceeded" }

// ProviderError: a single adapter failed. Recovered locally by the fallback
// loop; only user-visible when every candidate fails.
type ProviderError struct {
	Provider       string
	Message        string
	OriginalStatus int
	Err            error
}

func (e *ProviderError) Error() string {
	if e.OriginalStatus > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.OriginalStatus)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}
func (e *ProviderError) Unwrap() error     { return e.Err }
func (e *ProviderError) StatusCode() int   { return http.StatusBadGateway }
func (e *ProviderError) ErrorCode() string { return "provider_error" }

// NewProviderError wraps err as a ProviderError for the named provider.
func NewProviderError(provider string, err error, originalStatus int) *ProviderError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &ProviderError{Provider: provider, Message: msg, OriginalStatus: originalStatus, Err: err}
}

// RoutingError: terminal pipeline failure. GovernanceBlocked selects HTTP 451
// (content forbidden for every reachable provider) over 502 (all providers
// failed for operational reasons).
type RoutingError struct {
	Message           string
	GovernanceBlocked bool
}

func (e *RoutingError) Error() string { return e.Message }
func (e *RoutingError) StatusCode() int {
	if e.GovernanceBlocked {
		return http.StatusUnavailableForLegalReasons
	}
	return http.StatusBadGateway
}
func (e *RoutingError) ErrorCode() string { return "routing_error" }

// PolicyNotFoundError: admin lookup for a policy that is not loaded.
type PolicyNotFoundError struct {
	Department string
	TenantID   string
}

func (e *PolicyNotFoundError) Error() string {
	if e.TenantID != "" {
		return fmt.Sprintf("no policy for tenant %q department %q", e.TenantID, e.Department)
	}
	return fmt.Sprintf("no policy for department %q", e.Department)
}
func (e *PolicyNotFoundError) StatusCode() int   { return http.StatusNotFound }
func (e *PolicyNotFoundError) ErrorCode() string { return "policy_not_found" }

// IsProvider reports whether err is (or wraps) a ProviderError.
func IsProvider(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// AsGateway extracts the taxonomy error from err, if any.
func AsGateway(err error) (GatewayError, bool) {
	var ge GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
