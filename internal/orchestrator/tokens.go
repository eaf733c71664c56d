// ABOUTME: Signed one-purpose tokens: command confirmation and panic unlock
// ABOUTME: HS256 JWTs under the server secret, purpose-checked on verify

package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for expired, malformed, or
	// wrong-purpose tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
)

const (
	purposeConfirm = "confirm"
	purposeUnlock  = "unlock"

	// DefaultConfirmExpiry bounds how long a confirmation token stays
	// usable. Heavy commands should not linger half-approved.
	DefaultConfirmExpiry = 5 * time.Minute

	// DefaultUnlockExpiry bounds a panic unlock token.
	DefaultUnlockExpiry = 10 * time.Minute
)

type tokenClaims struct {
	Purpose   string `json:"purpose"`
	CommandID string `json:"command_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies single-purpose tokens with the server
// secret.
type TokenIssuer struct {
	secret        []byte
	confirmExpiry time.Duration

	now func() time.Time
}

// NewTokenIssuer builds an issuer. A zero confirmExpiry uses the
// default.
func NewTokenIssuer(secret string, confirmExpiry time.Duration) *TokenIssuer {
	if confirmExpiry == 0 {
		confirmExpiry = DefaultConfirmExpiry
	}
	return &TokenIssuer{
		secret:        []byte(secret),
		confirmExpiry: confirmExpiry,
		now:           time.Now,
	}
}

// IssueConfirmationToken signs a token that authorizes promoting one
// held command.
func (t *TokenIssuer) IssueConfirmationToken(commandID, userID string) (string, error) {
	return t.sign(tokenClaims{
		Purpose:   purposeConfirm,
		CommandID: commandID,
		UserID:    userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(t.now()),
			ExpiresAt: jwt.NewNumericDate(t.now().Add(t.confirmExpiry)),
		},
	})
}

// IssueUnlockToken signs a re-authentication token that releases the
// panic lock. Only operator tooling holding the server secret can mint
// one.
func (t *TokenIssuer) IssueUnlockToken(userID string) (string, error) {
	return t.sign(tokenClaims{
		Purpose: purposeUnlock,
		UserID:  userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(t.now()),
			ExpiresAt: jwt.NewNumericDate(t.now().Add(DefaultUnlockExpiry)),
		},
	})
}

// VerifyConfirmationToken returns the command id a valid confirmation
// token authorizes.
func (t *TokenIssuer) VerifyConfirmationToken(token string) (string, error) {
	claims, err := t.verify(token, purposeConfirm)
	if err != nil {
		return "", err
	}
	if claims.CommandID == "" {
		return "", ErrInvalidToken
	}
	return claims.CommandID, nil
}

// VerifyUnlockToken returns the user id a valid unlock token belongs
// to.
func (t *TokenIssuer) VerifyUnlockToken(token string) (string, error) {
	claims, err := t.verify(token, purposeUnlock)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func (t *TokenIssuer) sign(claims tokenClaims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (t *TokenIssuer) verify(token, purpose string) (*tokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return t.now() }))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid || claims.Purpose != purpose {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
