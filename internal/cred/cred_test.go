package cred

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/fleetd/internal/fleet"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key := testKey(t)
	secret := []byte("ghp_exampletoken1234567890")

	sealed, err := Seal(key, secret)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(secret))

	plain, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, secret, plain)
}

func TestSeal_NonDeterministic(t *testing.T) {
	key := testKey(t)
	a, err := Seal(key, []byte("same secret"))
	require.NoError(t, err)
	b, err := Seal(key, []byte("same secret"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpen_Tampered(t *testing.T) {
	key := testKey(t)
	sealed, err := Seal(key, []byte("secret"))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = Open(key, tampered)
	assert.Error(t, err)
}

func TestOpen_WrongKey(t *testing.T) {
	sealed, err := Seal(testKey(t), []byte("secret"))
	require.NoError(t, err)

	_, err = Open(testKey(t), sealed)
	assert.Error(t, err)
}

func TestOpen_Malformed(t *testing.T) {
	key := testKey(t)

	_, err := Open(key, []byte{sealVersion, 1, 2})
	assert.Error(t, err, "truncated blob")

	sealed, err := Seal(key, []byte("secret"))
	require.NoError(t, err)
	sealed[0] = 99
	_, err = Open(key, sealed)
	assert.Error(t, err, "unknown version byte")
}

func TestNewResolver_KeySize(t *testing.T) {
	_, err := NewResolver([]byte("short"), slog.Default())
	assert.Error(t, err)

	r, err := NewResolver(testKey(t), slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestBearerToken_TokenCredential(t *testing.T) {
	key := testKey(t)
	r, err := NewResolver(key, slog.Default())
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("ghp_secret"))
	require.NoError(t, err)

	token, err := r.BearerToken(context.Background(), &fleet.Credential{
		Name:        "pat",
		Kind:        fleet.KindToken,
		SealedToken: sealed,
	})
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret", token)
}

func TestBearerToken_UnknownKind(t *testing.T) {
	r, err := NewResolver(testKey(t), slog.Default())
	require.NoError(t, err)

	_, err = r.BearerToken(context.Background(), &fleet.Credential{Name: "x", Kind: "vault"})
	assert.Error(t, err)
}

func TestWebhookSecret(t *testing.T) {
	key := testKey(t)
	r, err := NewResolver(key, slog.Default())
	require.NoError(t, err)

	// No per-credential secret -> empty string, no error.
	secret, err := r.WebhookSecret(&fleet.Credential{Name: "bare"})
	require.NoError(t, err)
	assert.Empty(t, secret)

	sealed, err := Seal(key, []byte("whsec"))
	require.NoError(t, err)
	secret, err = r.WebhookSecret(&fleet.Credential{Name: "sealed", SealedWebhookSecret: sealed})
	require.NoError(t, err)
	assert.Equal(t, "whsec", secret)
}

func TestSignAppJWT(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(rsaKey),
	})

	now := time.Now()
	signed, err := signAppJWT(pemKey, "Iv1.abcdef", now)
	require.NoError(t, err)

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(signed, &claims, func(tok *jwt.Token) (any, error) {
		return &rsaKey.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	assert.Equal(t, "Iv1.abcdef", claims.Issuer)
	// Issued-at is backdated to tolerate clock skew.
	assert.WithinDuration(t, now.Add(-time.Minute), claims.IssuedAt.Time, 2*time.Second)
	assert.WithinDuration(t, now.Add(jwtValidity), claims.ExpiresAt.Time, 2*time.Second)
}

func TestSignAppJWT_BadKey(t *testing.T) {
	_, err := signAppJWT([]byte("not a pem"), "Iv1.abcdef", time.Now())
	assert.Error(t, err)
}

func TestBearerToken_AppCredentialCachesInstallationToken(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(rsaKey),
	})

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/app/installations/9001/access_tokens", r.URL.Path)
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token":"ghs_minted","expires_at":%q}`,
			time.Now().Add(time.Hour).Format(time.RFC3339))
	}))
	defer srv.Close()

	key := testKey(t)
	r, err := NewResolver(key, slog.Default())
	require.NoError(t, err)
	r.APIBaseURL = srv.URL

	sealedKey, err := Seal(key, pemKey)
	require.NoError(t, err)
	c := &fleet.Credential{
		ID:               "app-1",
		Name:             "app",
		Kind:             fleet.KindApp,
		AppClientID:      "Iv1.abcdef",
		InstallationID:   9001,
		SealedPrivateKey: sealedKey,
	}

	for range 3 {
		token, err := r.BearerToken(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, "ghs_minted", token)
	}
	// A fresh token is minted once and served from cache after that.
	assert.Equal(t, int32(1), hits.Load())
}
