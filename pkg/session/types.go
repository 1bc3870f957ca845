package session

import (
	"time"
)

// GrantType identifies how credentials are exchanged for a token.
// Only the password grant is supported today; the enum exists so the wire
// shape stays stable if more grants are added later.
type GrantType string

const (
	// GrantPassword is the resource-owner password grant.
	GrantPassword GrantType = "password"
)

// User is the authenticated user's identity as reported by the backend.
// It is immutable from the session core's perspective and replaced wholesale
// on every successful auth response.
type User struct {
	// ID is the backend's numeric user identifier.
	ID int64 `json:"id"`

	// Email is the user's login email.
	Email string `json:"email"`

	// Profile carries backend-defined profile fields. The session core
	// treats it as opaque.
	Profile map[string]any `json:"profile,omitempty"`
}

// Credentials is the input to Login.
type Credentials struct {
	// Identifier is the username or email the user logs in with.
	Identifier string

	// Secret is the user's password.
	Secret string

	// GrantType defaults to GrantPassword when empty.
	GrantType GrantType

	// Remember controls local persistence policy only: when true, a
	// successful login is written to the configured Store so the session
	// survives restarts. It is never sent over the wire.
	Remember bool
}

// Registration is the input to Register.
type Registration struct {
	Email string

	Secret string

	// AcceptTerms must be true before submission. Register rejects the
	// request locally (no network call) otherwise.
	AcceptTerms bool
}

// AuthResponse is the atomic unit written into the session: token and user
// always travel together so a token can never be paired with a stale
// cached profile.
type AuthResponse struct {
	Token Token
	User  User
}

// Snapshot is the externally observable session state. It is a value copy;
// mutating it has no effect on the Manager.
type Snapshot struct {
	User  *User
	Token *Token

	// IsAuthenticated is strictly Token != nil && User != nil.
	IsAuthenticated bool

	// IsLoading reports an in-flight login, register, or refresh.
	IsLoading bool
}

// State is the Manager's position in the session lifecycle.
type State uint8

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// PersistedSession is the serialized {token, user} record written to a Store
// on every successful transition into the authenticated state and cleared on
// every transition to anonymous.
type PersistedSession struct {
	Token   Token     `json:"token"`
	User    User      `json:"user"`
	SavedAt time.Time `json:"saved_at"`
}
