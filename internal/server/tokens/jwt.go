// Package tokens implements the token service: issuing signed access/refresh
// pairs, pure access-token verification, and refresh rotation with replay
// detection against the durable token store.
package tokens

import (
	"errors"
	"time"

	"github.com/dvasilenko/authguard/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims is the self-contained payload of a signed access or pre-auth
// token. Verified purely by signature and expiry; no store lookup.
type AccessClaims struct {
	jwt.RegisteredClaims
	Scope     []string `json:"scope,omitempty"`
	SessionID string   `json:"session_id"`
	TokenType string   `json:"token_type"`
}

// signingMethod is the single accepted algorithm. Verification passes it via
// WithValidMethods, so a token claiming any other algorithm (including
// "none") is rejected before signature checking.
var signingMethod = jwt.SigningMethodHS256

// signToken mints a signed JWT for the given subject.
func signToken(subjectID string, sessionID string, scope []string, tokenType string, secret []byte, now time.Time, ttl time.Duration, jti string) (string, error) {
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope:     scope,
		SessionID: sessionID,
		TokenType: tokenType,
	}
	return jwt.NewWithClaims(signingMethod, claims).SignedString(secret)
}

// parseToken verifies the signature and expiry and requires the expected
// token_type. Errors map onto the engine's sentinels.
func parseToken(tokenString string, secret []byte, wantType string, now func() time.Time) (*AccessClaims, error) {
	claims := &AccessClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return secret, nil },
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, common.ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, common.ErrTokenSignature
		default:
			return nil, common.ErrTokenMalformed
		}
	}
	if !token.Valid {
		return nil, common.ErrTokenMalformed
	}
	if claims.TokenType != wantType {
		return nil, common.ErrTokenMalformed
	}
	// Expiry is exclusive: a token is valid iff now < exp. jwt's validator
	// accepts now == exp, so re-check the boundary explicitly.
	if claims.ExpiresAt != nil && !now().Before(claims.ExpiresAt.Time) {
		return nil, common.ErrTokenExpired
	}
	return claims, nil
}
