package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for the caller. Every error leaving the Client
// or the Manager carries exactly one Kind; raw transport errors never
// escape.
type Kind string

const (
	// KindValidation is malformed client input, recoverable by user
	// correction. Never retried automatically.
	KindValidation Kind = "validation"

	// KindInvalidCredentials is a backend-reported authentication
	// rejection on login.
	KindInvalidCredentials Kind = "invalid_credentials"

	// KindEmailTaken is a backend-reported duplicate registration.
	KindEmailTaken Kind = "email_taken"

	// KindInvalidRefreshToken is terminal for the session: the Manager
	// responds with a forced logout, never a retry.
	KindInvalidRefreshToken Kind = "invalid_refresh_token"

	// KindNetwork is a transient transport failure. The refresh scheduler
	// retries it with bounded backoff; login and register surface it
	// immediately since they are user-initiated.
	KindNetwork Kind = "network"

	// KindOperationInProgress is a local guard, not a network error: a
	// second mutation was requested while one was already in flight.
	KindOperationInProgress Kind = "operation_in_progress"
)

// Error is the classified failure type shared by the Client and the
// Manager.
type Error struct {
	// Kind is the coarse classification callers branch on.
	Kind Kind

	// Code is a stable machine-readable code (e.g. "invalid_grant").
	Code string

	// Description is human-readable detail, often the backend's
	// error_description verbatim.
	Description string

	// StatusCode is the HTTP status that produced this error, 0 for
	// local errors.
	StatusCode int

	cause error
}

func (e *Error) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by Kind, and by Code when the target sets one.
// This makes errors.Is(err, ErrOperationInProgress) work against freshly
// classified errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// KindOf extracts the Kind from an error chain, or "" for unclassified
// errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Sentinel errors for errors.Is checks. Code is left empty so they match
// any error of the same Kind.
var (
	ErrInvalidCredentials   = &Error{Kind: KindInvalidCredentials}
	ErrEmailTaken           = &Error{Kind: KindEmailTaken}
	ErrInvalidRefreshToken  = &Error{Kind: KindInvalidRefreshToken}
	ErrOperationInProgress  = &Error{Kind: KindOperationInProgress}
	ErrSessionSuperseded    = &Error{Kind: KindOperationInProgress, Code: "session_superseded"}
	ErrNoPersistedSession   = errors.New("session: no persisted session")
	ErrValidation           = &Error{Kind: KindValidation}
	ErrNetworkFailure       = &Error{Kind: KindNetwork}
)

func validationError(code, description string) *Error {
	return &Error{Kind: KindValidation, Code: code, Description: description}
}

func networkError(code string, cause error) *Error {
	return &Error{
		Kind:        KindNetwork,
		Code:        code,
		Description: "transport failure",
		cause:       cause,
	}
}

// errorBody is the backend's structured error shape.
type errorBody struct {
	Error            string            `json:"error"`
	ErrorDescription string            `json:"error_description"`
	Detail           string            `json:"detail,omitempty"`
	Fields           map[string]string `json:"fields,omitempty"`
}

// classifyStatus maps an HTTP failure response to a typed error. op tells
// the classifier which business-rule rejection a given status means: a 401
// is invalid credentials on login but an invalid refresh token on refresh,
// and a 400 on register means the email is already taken.
func classifyStatus(op string, statusCode int, body []byte) *Error {
	var parsed errorBody
	_ = json.Unmarshal(body, &parsed)

	code := parsed.Error
	desc := parsed.ErrorDescription
	if desc == "" {
		desc = parsed.Detail
	}

	switch {
	case statusCode == http.StatusUnauthorized && op == opLogin:
		if code == "" {
			code = "invalid_grant"
		}
		return &Error{Kind: KindInvalidCredentials, Code: code, Description: desc, StatusCode: statusCode}

	case statusCode == http.StatusUnauthorized && op == opRefresh:
		if code == "" {
			code = "invalid_refresh_token"
		}
		return &Error{Kind: KindInvalidRefreshToken, Code: code, Description: desc, StatusCode: statusCode}

	case statusCode == http.StatusBadRequest && op == opRegister:
		if code == "" {
			code = "email_already_registered"
		}
		return &Error{Kind: KindEmailTaken, Code: code, Description: desc, StatusCode: statusCode}

	case statusCode == http.StatusUnprocessableEntity:
		if code == "" {
			code = "validation_error"
		}
		return &Error{Kind: KindValidation, Code: code, Description: desc, StatusCode: statusCode}

	default:
		// Anything else (5xx, gateways misbehaving, unexpected 4xx) is
		// treated as transient transport trouble.
		if code == "" {
			code = "unexpected_status"
		}
		if desc == "" {
			desc = fmt.Sprintf("HTTP %d: %s", statusCode, http.StatusText(statusCode))
		}
		return &Error{Kind: KindNetwork, Code: code, Description: desc, StatusCode: statusCode}
	}
}
