// Package authn verifies the bearer JWT every non-public HTTP and WS
// route requires, per spec.md §9: "accept both symmetric (shared secret)
// and asymmetric (JWKS) algorithms; cache the JWKS with time-based
// refresh; never trust aud." The verified sub claim becomes the caller's
// owner_id for every downstream store query.
package authn

import (
	"context"
	"errors"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSubject is returned when a token verifies but carries no sub claim.
var ErrNoSubject = errors.New("authn: token has no sub claim")

// Verifier implements wsfanout.TokenVerifier (and is reused directly by
// internal/httpapi's HTTP middleware): validate a bearer token and return
// the owner_id it authenticates as.
type Verifier struct {
	hmacSecret []byte
	jwks       keyfunc.Keyfunc
}

// Options configures Verifier. At least one of HMACSecret or JWKSURL must
// be set; both may be, in which case the algorithm in the token header
// picks which path validates it.
type Options struct {
	// HMACSecret is SUPABASE_JWT_SECRET, used for HS256/384/512 tokens.
	HMACSecret string
	// JWKSURL is the identity provider's JSON Web Key Set endpoint, used
	// for RS/ES/PS-family tokens.
	JWKSURL string
}

// NewVerifier builds a Verifier. When opts.JWKSURL is set, it starts a
// background refresh goroutine (via keyfunc.NewDefaultCtx) that keeps the
// key set current without blocking VerifyToken calls.
func NewVerifier(ctx context.Context, opts Options) (*Verifier, error) {
	if opts.HMACSecret == "" && opts.JWKSURL == "" {
		return nil, errors.New("authn: at least one of HMACSecret or JWKSURL is required")
	}

	v := &Verifier{hmacSecret: []byte(opts.HMACSecret)}
	if opts.JWKSURL != "" {
		k, err := keyfunc.NewDefaultCtx(ctx, []string{opts.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("fetching jwks from %s: %w", opts.JWKSURL, err)
		}
		v.jwks = k
	}
	return v, nil
}

// VerifyToken implements wsfanout.TokenVerifier. The token's alg header
// selects HMAC or JWKS validation; aud is intentionally never checked, per
// spec.md §9, since this system trusts whatever audience the identity
// provider issued the token for.
func (v *Verifier) VerifyToken(ctx context.Context, tokenString string) (ownerID string, err error) {
	// jwt/v5 only validates aud when WithAudience is supplied, so omitting
	// it here is what gives us "never trust aud" while still validating
	// exp/nbf/iat by default.
	token, err := jwt.Parse(tokenString, v.keyfunc)
	if err != nil {
		return "", fmt.Errorf("authn: invalid token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("authn: token failed validation")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("authn: unexpected claims type")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrNoSubject
	}
	return sub, nil
}

// keyfunc picks the verification key for token based on its signing
// algorithm: HMAC tokens use the configured shared secret, everything
// else defers to the JWKS-backed keyfunc.
func (v *Verifier) keyfunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(v.hmacSecret) == 0 {
			return nil, errors.New("authn: token uses HMAC but no shared secret is configured")
		}
		return v.hmacSecret, nil
	default:
		if v.jwks == nil {
			return nil, errors.New("authn: token uses an asymmetric algorithm but no JWKS is configured")
		}
		return v.jwks.Keyfunc(token)
	}
}
