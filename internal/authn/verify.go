// Package authn verifies the bearer tokens carried in join_room messages
// (spec §6.2). The core never trusts a token's claims without checking the
// signature itself; this is the external collaborator's interface,
// implemented with github.com/golang-jwt/jwt/v5 following
// and161185-goph-keeper's AuthServiceImpl.issueAccessToken/verify shape.
package authn

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"collabtext/internal/errs"
)

// Claims is the minimum payload spec §6.2 requires: {openId, exp}.
type Claims struct {
	OpenId string `json:"openId"`
	jwt.RegisteredClaims
}

// Verifier checks a signed bearer token and extracts its claims.
type Verifier struct {
	signingKey []byte
}

// NewVerifier constructs a Verifier bound to an HS256 signing key.
func NewVerifier(signingKey []byte) *Verifier {
	return &Verifier{signingKey: signingKey}
}

// Verify validates the signature and expiry of token and returns its
// openId. A bad signature, malformed token, or expired token all
// translate to errs.ErrAuthFailed.
func (v *Verifier) Verify(token string) (openID string, err error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrAuthFailed, err)
	}
	if !parsed.Valid {
		return "", errs.ErrAuthFailed
	}
	if claims.OpenId == "" {
		return "", fmt.Errorf("%w: missing openId claim", errs.ErrAuthFailed)
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return "", fmt.Errorf("%w: expired", errs.ErrAuthFailed)
	}
	return claims.OpenId, nil
}

// Issue is used only by tests to mint a token that Verify will accept (the
// reference client takes its token from the -token flag); production tokens are minted by the external
// auth provider, not by the collaboration core.
func Issue(signingKey []byte, openID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		OpenId: openID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(signingKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
