package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/go-record-sync/errors"
)

var now = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func TestStaticProvider(t *testing.T) {
	id, err := StaticProvider{OwnerID: "u1", Token: "t"}.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", id.OwnerID)
	assert.Equal(t, "t", id.Token)
}

func TestJWTProvider_Verified(t *testing.T) {
	token, err := IssueToken("s3cret", "u1", time.Hour, now)
	require.NoError(t, err)

	p := NewJWTProvider(token, WithSecret("s3cret"), WithClock(clock))
	id, err := p.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", id.OwnerID)
	assert.Equal(t, token, id.Token)
}

func TestJWTProvider_Rejects(t *testing.T) {
	valid, err := IssueToken("s3cret", "u1", time.Hour, now)
	require.NoError(t, err)
	expired, err := IssueToken("s3cret", "u1", time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	noSubject, err := IssueToken("s3cret", "", time.Hour, now)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		secret string
	}{
		{"wrong secret", valid, "other"},
		{"expired verified", expired, "s3cret"},
		{"expired unverified", expired, ""},
		{"missing subject", noSubject, ""},
		{"unsigned with secret", none, "s3cret"},
		{"garbage", "not-a-jwt", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []JWTOption{WithClock(clock)}
			if tt.secret != "" {
				opts = append(opts, WithSecret(tt.secret))
			}
			_, err := NewJWTProvider(tt.token, opts...).Identity(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, syncErrors.ErrAuthenticationRequired))
			assert.True(t, syncErrors.IsKind(err, syncErrors.KindAuthRequired))
		})
	}
}

func TestJWTProvider_UnverifiedTrustsIssuer(t *testing.T) {
	token, err := IssueToken("server-only", "u2", time.Hour, now)
	require.NoError(t, err)

	id, err := NewJWTProvider(token, WithClock(clock)).Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u2", id.OwnerID)
}

func TestJWTProvider_SetToken(t *testing.T) {
	p := NewJWTProvider("", WithClock(clock))
	id, err := p.Identity(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id.OwnerID, "no token means signed out")

	token, err := IssueToken("k", "u3", time.Hour, now)
	require.NoError(t, err)
	p.SetToken(token)
	id, err = p.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u3", id.OwnerID)

	p.SetToken("")
	id, err = p.Identity(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id.OwnerID)
}
