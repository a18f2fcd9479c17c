package remote

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidSessionToken indicates the access token could not be parsed.
	ErrInvalidSessionToken = errors.New("remote: invalid session token")
	// ErrSessionExpired indicates the access token is past its expiry claim.
	ErrSessionExpired = errors.New("remote: session expired")
)

// Session identifies the signed-in user attributed to queued operations.
type Session struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// Active reports whether the session is usable at the given instant.
func (s *Session) Active(now time.Time) bool {
	if s == nil || s.UserID == "" {
		return false
	}
	if s.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(s.ExpiresAt)
}

type sessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// ParseSessionToken extracts the user identity from a hosted-auth access
// token. The token signature is the hosted service's responsibility; this
// side only needs the subject and expiry, so claims are read unverified.
func ParseSessionToken(accessToken string, now time.Time) (*Session, error) {
	trimmed := strings.TrimSpace(accessToken)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidSessionToken)
	}

	parser := jwt.NewParser()
	claims := &sessionClaims{}
	if _, _, err := parser.ParseUnverified(trimmed, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidSessionToken)
	}

	session := &Session{UserID: subject, Email: strings.TrimSpace(claims.Email)}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
		if !now.Before(session.ExpiresAt) {
			return nil, ErrSessionExpired
		}
	}
	return session, nil
}
