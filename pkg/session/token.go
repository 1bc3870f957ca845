package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is the current access credential plus its derived expiry.
// A nil ExpiresAt means the backend gave us no expiry information: proactive
// refresh is disabled and only reactive (401-triggered) refresh applies.
type Token struct {
	AccessValue string     `json:"access_value"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the token is present and not expired at now.
// Tokens without expiry information are treated as valid until the backend
// says otherwise.
func (t *Token) Valid(now time.Time) bool {
	if t == nil || t.AccessValue == "" {
		return false
	}
	if t.ExpiresAt == nil {
		return true
	}
	return t.ExpiresAt.After(now)
}

// TimeToExpiry returns the remaining lifetime at now. The second return is
// false when the token carries no expiry.
func (t *Token) TimeToExpiry(now time.Time) (time.Duration, bool) {
	if t == nil || t.ExpiresAt == nil {
		return 0, false
	}
	return t.ExpiresAt.Sub(now), true
}

// Lifetime returns the issued-to-expiry span, or false when unknown.
func (t *Token) Lifetime() (time.Duration, bool) {
	if t == nil || t.ExpiresAt == nil || t.IssuedAt.IsZero() {
		return 0, false
	}
	return t.ExpiresAt.Sub(t.IssuedAt), true
}

// newToken builds a Token from the wire response. Expiry is taken from
// expires_in when the backend provides it, otherwise derived from the JWT
// exp claim when the access token parses as a JWT. The parse is unverified
// on purpose: the client never holds the signing key, and the expiry is a
// scheduling hint, not a security decision.
func newToken(accessValue string, expiresIn int, issuedAt time.Time) Token {
	tok := Token{
		AccessValue: accessValue,
		IssuedAt:    issuedAt,
	}

	if expiresIn > 0 {
		exp := issuedAt.Add(time.Duration(expiresIn) * time.Second)
		tok.ExpiresAt = &exp
		return tok
	}

	if exp, ok := jwtExpiry(accessValue); ok {
		tok.ExpiresAt = &exp
	}
	return tok
}

// jwtExpiry extracts the exp claim from a JWT access token without
// verifying the signature.
func jwtExpiry(accessValue string) (time.Time, bool) {
	parser := jwt.NewParser()

	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(accessValue, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
