package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid session token")

// SessionToken is what the session directory hands out for joining a stage.
type SessionToken struct {
	SessionID  string            `json:"sessionId"`
	Token      string            `json:"token"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Expiration time.Time         `json:"expiration"`
}

// Expired reports whether the token is unusable at now. A zero expiration never expires.
func (t SessionToken) Expired(now time.Time) bool {
	if t.Expiration.IsZero() {
		return false
	}
	return !now.Before(t.Expiration)
}

// Remaining is the whole seconds left before expiry, never negative. ok is
// false for a token without expiration.
func (t SessionToken) Remaining(now time.Time) (left time.Duration, ok bool) {
	if t.Expiration.IsZero() {
		return 0, false
	}
	left = t.Expiration.Sub(now).Truncate(time.Second)
	return max(left, 0), true
}

// ParseSessionToken reads the claims of a directory JWT without verifying
// its signature; the stage server does that. sid, exp and a string map under
// attributes are picked up. An empty token yields an anonymous, non-expiring
// session.
func ParseSessionToken(raw string) (SessionToken, error) {
	if raw == "" {
		return SessionToken{}, nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return SessionToken{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	st := SessionToken{Token: raw}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return SessionToken{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if exp != nil {
		st.Expiration = exp.Time
	}
	if sid, ok := claims["sid"].(string); ok {
		st.SessionID = sid
	}
	if attrs, ok := claims["attributes"].(map[string]any); ok {
		st.Attributes = make(map[string]string, len(attrs))
		for k, v := range attrs {
			if s, ok := v.(string); ok {
				st.Attributes[k] = s
			}
		}
	}
	return st, nil
}
