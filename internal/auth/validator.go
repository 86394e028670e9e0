// Package auth validates the session tokens participants present on
// register/reconnect using an HMAC scheme signed with the server's own
// SESSION_SECRET, since this system has no external identity provider to
// delegate to.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims identifies a participant and the session they claimed.
type SessionClaims struct {
	ParticipantID string `json:"participant_id"`
	SessionID     string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// Validator issues and validates participant session tokens.
type Validator struct {
	secret []byte
	issuer string
}

// NewValidator constructs a Validator signing/verifying with secret.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret), issuer: "experimentd"}
}

// IssueToken mints a session token for a participant, valid for ttl.
func (v *Validator) IssueToken(participantID, sessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		ParticipantID: participantID,
		SessionID:     sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// ValidateToken parses and validates a session token, returning its claims.
func (v *Validator) ValidateToken(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse session token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("session token is invalid")
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to SessionClaims")
	}
	return claims, nil
}
