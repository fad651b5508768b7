// Package passport verifies waiter passports: short lived HS256 tokens that
// admit a client into a seller's place-order transaction.
package passport

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

// ScopePrefix is followed by the seller identifier.
const ScopePrefix = "placeOrderTransaction."

type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

type Verifier struct {
	secret  []byte
	issuers []string
}

func NewVerifier(secret string, issuers []string) *Verifier {
	return &Verifier{secret: []byte(secret), issuers: issuers}
}

// Verify checks signature, expiry, issuer and scope of token for the seller.
func (v *Verifier) Verify(_ context.Context, token, sellerIdentifier string) (*domain.Passport, error) {
	if len(v.issuers) == 0 {
		return nil, errors.Wrap(domain.ErrServiceUnavailable, "passport issuers are not configured")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid passport"), domain.ErrArgument)
	}

	if !slices.Contains(v.issuers, claims.Issuer) {
		return nil, errors.Wrapf(domain.ErrArgument, "invalid passport issuer %q", claims.Issuer)
	}
	if claims.Scope != ScopePrefix+sellerIdentifier {
		return nil, errors.Wrapf(domain.ErrArgument, "invalid passport scope %q", claims.Scope)
	}

	return &domain.Passport{Issuer: claims.Issuer, Scope: claims.Scope, Token: token}, nil
}

// Sign issues a passport. Used by tests and local tooling.
func Sign(secret, issuer, sellerIdentifier string, claims jwt.RegisteredClaims) (string, error) {
	claims.Issuer = issuer
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: claims, Scope: ScopePrefix + sellerIdentifier})
	return t.SignedString([]byte(secret))
}
