// Package models defines the persistent and wire-level data structures of the
// token lifecycle engine.
package models

import "time"

// Fingerprint identifies the client endpoint a token or session is bound to.
type Fingerprint struct {
	IP        string
	UserAgent string
}

// RefreshTokenRecord is the durable record of one issued refresh token.
// Owned by the token store; mutated only through the token service.
// Once Revoked is set it never transitions back to false.
type RefreshTokenRecord struct {
	ID            string
	SubjectID     string
	SessionID     string
	TokenHash     string
	TokenFamily   string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Revoked       bool
	RotationCount int
	LastUsedFP    Fingerprint
	LastUsedAt    time.Time
}

// TokenPair bundles a short-lived access token with its refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	SessionID    string
	ExpiresIn    time.Duration
}

// Token type discriminators carried in the token_type claim. Verification
// accepts exactly the expected type; anything else is malformed.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
	TokenTypePreAuth = "preauth"
)
