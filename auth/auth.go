// Package auth provides synckit.IdentityProvider implementations: a fixed
// identity and one derived from a JWT bearer token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	syncErrors "github.com/c0deZ3R0/go-record-sync/errors"
	"github.com/c0deZ3R0/go-record-sync/synckit"
)

// StaticProvider always reports the same identity.
type StaticProvider struct {
	OwnerID string
	Token   string
}

var _ synckit.IdentityProvider = StaticProvider{}

func (p StaticProvider) Identity(context.Context) (synckit.Identity, error) {
	return synckit.Identity{OwnerID: p.OwnerID, Token: p.Token}, nil
}

// Claims are the JWT claims a session token carries. The owner is the
// standard subject.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTProvider derives the identity from the current bearer token. The
// subject claim becomes the owner id. With a secret the HMAC signature is
// verified; without one the token is trusted as issued and only its
// expiry is checked.
//
// The owner id decides which change events the controller applies, so the
// unverified mode is only safe when the remote rejects forged tokens and
// never streams another owner's events to the bearer. Configure a secret
// whenever the client can verify tokens itself.
type JWTProvider struct {
	secret []byte
	now    func() time.Time

	mu    sync.RWMutex
	token string
}

var _ synckit.IdentityProvider = (*JWTProvider)(nil)

// JWTOption configures a JWTProvider.
type JWTOption func(*JWTProvider)

// WithSecret enables HMAC signature verification.
func WithSecret(secret string) JWTOption {
	return func(p *JWTProvider) { p.secret = []byte(secret) }
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) JWTOption {
	return func(p *JWTProvider) { p.now = now }
}

// NewJWTProvider creates a provider holding token, which may be empty
// until SetToken is called.
func NewJWTProvider(token string, opts ...JWTOption) *JWTProvider {
	p := &JWTProvider{token: token, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetToken replaces the token, for example after a refresh. An empty token
// signs the session out.
func (p *JWTProvider) SetToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = token
}

// Identity returns the zero Identity while no token is set.
func (p *JWTProvider) Identity(ctx context.Context) (synckit.Identity, error) {
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()

	if token == "" {
		return synckit.Identity{}, nil
	}
	claims, err := p.parse(token)
	if err != nil {
		return synckit.Identity{}, syncErrors.E(syncErrors.Op("auth.Identity"), syncErrors.Component("auth"),
			syncErrors.KindAuthRequired, syncErrors.ErrAuthenticationRequired, err.Error())
	}
	return synckit.Identity{OwnerID: claims.Subject, Token: token}, nil
}

func (p *JWTProvider) parse(token string) (*Claims, error) {
	claims := &Claims{}
	if len(p.secret) > 0 {
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return p.secret, nil
		}, jwt.WithTimeFunc(p.now), jwt.WithExpirationRequired())
		if err != nil {
			return nil, err
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, err
		}
		exp, err := claims.GetExpirationTime()
		if err != nil {
			return nil, err
		}
		if exp != nil && !p.now().Before(exp.Time) {
			return nil, jwt.ErrTokenExpired
		}
	}
	if claims.Subject == "" {
		return nil, errors.New("missing sub (owner id) in token")
	}
	return claims, nil
}

// IssueToken signs an HS256 token for ownerID that expires after ttl.
func IssueToken(secret, ownerID string, ttl time.Duration, now time.Time) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
