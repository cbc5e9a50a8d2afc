package auth

import "errors"

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidSignature = errors.New("auth: invalid signature")
	ErrUnknownChallenge = errors.New("auth: unknown or expired login message")
	ErrUnauthorized     = errors.New("auth: unauthorized")
)
