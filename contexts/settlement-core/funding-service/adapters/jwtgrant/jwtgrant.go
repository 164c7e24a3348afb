package jwtgrant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eyal42/x402global/contexts/settlement-core/funding-service/ports"
)

var (
	ErrGrantInvalid = errors.New("grant token is invalid")
	ErrGrantExpired = errors.New("grant token is expired")
)

// KeyRegistry resolves the signing key registered for a principal. Grants are
// HMAC-signed with the owner's key; which signature scheme backs a principal
// is this port's concern, not the verifier's callers'.
type KeyRegistry interface {
	SigningKey(ctx context.Context, principal string) ([]byte, error)
}

type grantClaims struct {
	jwt.RegisteredClaims
	Token  string `json:"token"`
	Amount int64  `json:"amount"`
}

// Verifier validates signed authorization grants. Claims layout: iss is the
// owner, aud names the spender, token/amount carry the delegation, jti is the
// single-use nonce, exp the expiry. Expiry is checked against the injected
// clock; nonce consumption is the caller's job.
type Verifier struct {
	Keys KeyRegistry
	Now  func() time.Time
}

func (v Verifier) Verify(ctx context.Context, signedGrant string) (ports.AuthorizationGrant, error) {
	signedGrant = strings.TrimSpace(signedGrant)
	if signedGrant == "" {
		return ports.AuthorizationGrant{}, ErrGrantInvalid
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(signedGrant, &parsed, func(token *jwt.Token) (any, error) {
		claims, ok := token.Claims.(*grantClaims)
		if !ok || strings.TrimSpace(claims.Issuer) == "" {
			return nil, ErrGrantInvalid
		}
		return v.Keys.SigningKey(ctx, claims.Issuer)
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return ports.AuthorizationGrant{}, fmt.Errorf("%w: signature verification failed", ErrGrantInvalid)
		}
		return ports.AuthorizationGrant{}, fmt.Errorf("%w: %v", ErrGrantInvalid, err)
	}

	if parsed.ID == "" || parsed.ExpiresAt == nil || len(parsed.Audience) != 1 ||
		strings.TrimSpace(parsed.Token) == "" || parsed.Amount <= 0 {
		return ports.AuthorizationGrant{}, ErrGrantInvalid
	}

	now := v.now()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return ports.AuthorizationGrant{}, ErrGrantExpired
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return ports.AuthorizationGrant{}, fmt.Errorf("%w: not active yet", ErrGrantInvalid)
	}

	return ports.AuthorizationGrant{
		Owner:     parsed.Issuer,
		Spender:   parsed.Audience[0],
		Token:     strings.TrimSpace(parsed.Token),
		Amount:    parsed.Amount,
		Nonce:     parsed.ID,
		ExpiresAt: exp,
	}, nil
}

func (v Verifier) now() time.Time {
	if v.Now == nil {
		return time.Now().UTC()
	}
	return v.Now().UTC()
}

// Issue signs a grant with the owner's key. Wallet-side helper; the engine
// itself only verifies.
func Issue(grant ports.AuthorizationGrant, key []byte) (string, error) {
	if grant.Owner == "" || grant.Spender == "" || grant.Token == "" ||
		grant.Amount <= 0 || grant.Nonce == "" || grant.ExpiresAt.IsZero() {
		return "", ErrGrantInvalid
	}
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    grant.Owner,
			Audience:  jwt.ClaimStrings{grant.Spender},
			ID:        grant.Nonce,
			ExpiresAt: jwt.NewNumericDate(grant.ExpiresAt.UTC()),
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
		},
		Token:  grant.Token,
		Amount: grant.Amount,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

var _ ports.GrantVerifier = Verifier{}
