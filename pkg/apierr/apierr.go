// Package apierr defines the error taxonomy shared by the gateway, policy,
// audit and lineage services. Every error carries an HTTP status and a
// machine-readable code; causes are wrapped so callers can still inspect them.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"mcpgov/pkg/models"
)

type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindUnauthorizedPath Kind = "unauthorized_path"
	KindUpstream         Kind = "upstream"
	KindPersistence      Kind = "persistence"
	KindTamper           Kind = "tamper"
)

type Error struct {
	Kind   Kind
	Status int
	Code   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports malformed caller input.
func Validation(code, detail string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Code: code, Detail: detail}
}

// NotFound reports an unknown service or model.
func NotFound(code string) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusNotFound, Code: code}
}

// Unavailable is the NotFound variant used when a dependent service is
// missing from the directory.
func Unavailable(code string) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusServiceUnavailable, Code: code}
}

func UnauthorizedPath(code string) *Error {
	return &Error{Kind: KindUnauthorizedPath, Status: http.StatusForbidden, Code: code}
}

// Upstream reports a failed or non-2xx downstream call. The cause is kept
// for logs and never rendered to callers.
func Upstream(code string, err error) *Error {
	return &Error{Kind: KindUpstream, Status: http.StatusBadGateway, Code: code, Err: err}
}

func UpstreamTimeout(code string, err error) *Error {
	return &Error{Kind: KindUpstream, Status: http.StatusGatewayTimeout, Code: code, Err: err}
}

func Persistence(code string, err error) *Error {
	return &Error{Kind: KindPersistence, Status: http.StatusInternalServerError, Code: code, Err: err}
}

// Tamper reports a hash-chain verification failure found by an audit walk.
func Tamper(code, detail string) *Error {
	return &Error{Kind: KindTamper, Status: http.StatusConflict, Code: code, Detail: detail}
}

// PolicyDeniedError is returned when the policy engine refuses admission.
type PolicyDeniedError struct {
	Gate models.GateResult
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied: %v", e.Gate.Reasons)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// CodeOf returns the machine-readable code of err, or "" when err carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var denied *PolicyDeniedError
	if errors.As(err, &denied) {
		return "policy_denied"
	}
	return ""
}
