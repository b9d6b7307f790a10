package auth

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/walters954/OpenBookLM/internal/util"
)

const sessionIssuer = "openbooklm-api"

// ErrInvalidSession reports an expired, malformed, or otherwise unusable
// session token.
var ErrInvalidSession = errors.New("invalid session token")

// SessionStore issues and validates HS256 session tokens.
type SessionStore struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionStore builds a session store signing with the given secret.
func NewSessionStore(secret string, ttl time.Duration) *SessionStore {
	return &SessionStore{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue mints a session token for the user.
func (s *SessionStore) Issue(userID string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    sessionIssuer,
		Subject:   userID,
		ID:        util.NewID(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify validates a session token and returns the user ID it was issued to.
func (s *SessionStore) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(sessionIssuer),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil || !token.Valid {
		return "", ErrInvalidSession
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidSession
	}
	return claims.Subject, nil
}
