// Package auth verifies signed bearer tokens and produces the per-session
// ClientContext. Verification is a pure function of key material plus token;
// no identity-provider I/O happens here.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FailureKind classifies why a token was rejected.
type FailureKind string

const (
	FailureMalformed    FailureKind = "malformed"
	FailureBadSignature FailureKind = "bad_signature"
	FailureExpired      FailureKind = "expired"
	FailureNotYetValid  FailureKind = "not_yet_valid"
	FailureMissingClaim FailureKind = "missing_claim"
)

// Failure is the typed rejection returned by Verify.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("token %s: %v", f.Kind, f.Err)
	}
	return "token " + string(f.Kind)
}

func (f *Failure) Unwrap() error { return f.Err }

// Claims is the token body minted by the identity provider.
type Claims struct {
	Role      string   `json:"role"`
	Pub       []string `json:"pub"`
	Subscribe []string `json:"subscribe"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens against a shared secret.
type Verifier struct {
	key      []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewVerifier builds a Verifier. Issuer and audience are enforced when
// non-empty; leeway absorbs clock skew on the expiry checks.
func NewVerifier(secret, issuer, audience string, leeway time.Duration) *Verifier {
	return &Verifier{key: []byte(secret), issuer: issuer, audience: audience, leeway: leeway}
}

// Verify validates the token and extracts the session identity.
func (v *Verifier) Verify(tokenString string) (*ClientContext, error) {
	opts := []jwt.ParserOption{jwt.WithLeeway(v.leeway)}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.key, nil
		}, opts...)
	if err != nil {
		return nil, &Failure{Kind: classify(err), Err: err}
	}
	if !token.Valid {
		return nil, &Failure{Kind: FailureBadSignature, Err: errors.New("token not valid")}
	}

	if claims.Subject == "" {
		return nil, &Failure{Kind: FailureMissingClaim, Err: errors.New("missing sub claim")}
	}
	if claims.Role == "" {
		return nil, &Failure{Kind: FailureMissingClaim, Err: errors.New("missing role claim")}
	}
	if claims.ExpiresAt == nil {
		return nil, &Failure{Kind: FailureMissingClaim, Err: errors.New("missing exp claim")}
	}

	return NewClientContext(claims.Subject, claims.Role, claims.Pub, claims.Subscribe, claims.ExpiresAt.Time), nil
}

func classify(err error) FailureKind {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return FailureExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return FailureNotYetValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return FailureBadSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return FailureMalformed
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience):
		return FailureMissingClaim
	default:
		return FailureMalformed
	}
}

// Generate mints a token for tests and the demo tooling. The production
// identity provider is external; this mirrors its claim layout.
func (v *Verifier) Generate(clientID, role string, pub, subscribe []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role:      role,
		Pub:       pub,
		Subscribe: subscribe,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.key)
}

// BearerFromRequest extracts the bearer credential carried on the upgrade
// request, if any. Browsers that cannot set headers send an AUTH frame
// instead, so absence is not an error here.
func BearerFromRequest(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return r.URL.Query().Get("token")
}
