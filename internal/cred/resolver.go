// Package cred turns stored credential references into usable API
// clients.  Secrets are sealed at rest; app-style credentials
// additionally mint short-lived installation tokens on demand, cached
// until shortly before expiry.
package cred

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/terrpan/fleetd/internal/fleet"
	"github.com/terrpan/fleetd/internal/ghapi"
)

// jwtValidity is how long an app JWT we sign remains valid.  The
// platform caps this at ten minutes.
const jwtValidity = 10 * time.Minute

// tokenSlack is how early a cached installation token is considered
// expired, leaving headroom for in-flight requests.
const tokenSlack = 5 * time.Minute

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// Resolver opens credentials into facade clients.
type Resolver struct {
	// APIBaseURL overrides the platform API endpoint for every client
	// the resolver mints, for enterprise server installs.  Empty means
	// the public endpoint.
	APIBaseURL string

	key    []byte
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedToken // credential id -> installation token
}

// NewResolver creates a Resolver sealing/opening with the given key.
func NewResolver(key []byte, logger *slog.Logger) (*Resolver, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Resolver{
		key:    key,
		logger: logger,
		cache:  make(map[string]cachedToken),
	}, nil
}

// Client returns a facade client authenticated for c's scope.
func (r *Resolver) Client(ctx context.Context, c *fleet.Credential) (*ghapi.Client, error) {
	token, err := r.BearerToken(ctx, c)
	if err != nil {
		return nil, err
	}
	return ghapi.NewWithBaseURL(token, c.Scope, c.Target, r.APIBaseURL)
}

// BearerToken resolves c into a usable bearer token: the decrypted PAT
// for token credentials, a cached-or-minted installation token for app
// credentials.
func (r *Resolver) BearerToken(ctx context.Context, c *fleet.Credential) (string, error) {
	switch c.Kind {
	case fleet.KindToken:
		plain, err := Open(r.key, c.SealedToken)
		if err != nil {
			return "", fmt.Errorf("credential %s: %w", c.Name, err)
		}
		return string(plain), nil

	case fleet.KindApp:
		return r.installationToken(ctx, c)

	default:
		return "", fmt.Errorf("credential %s: unknown kind %q", c.Name, c.Kind)
	}
}

// WebhookSecret opens the per-credential webhook secret.  Returns ""
// when the credential has none, signalling the app-level fallback.
func (r *Resolver) WebhookSecret(c *fleet.Credential) (string, error) {
	if len(c.SealedWebhookSecret) == 0 {
		return "", nil
	}
	plain, err := Open(r.key, c.SealedWebhookSecret)
	if err != nil {
		return "", fmt.Errorf("credential %s webhook secret: %w", c.Name, err)
	}
	return string(plain), nil
}

func (r *Resolver) installationToken(ctx context.Context, c *fleet.Credential) (string, error) {
	r.mu.Lock()
	cached, ok := r.cache[c.ID]
	r.mu.Unlock()
	if ok && time.Until(cached.expiresAt) > tokenSlack {
		return cached.value, nil
	}

	pem, err := Open(r.key, c.SealedPrivateKey)
	if err != nil {
		return "", fmt.Errorf("credential %s private key: %w", c.Name, err)
	}
	appJWT, err := signAppJWT(pem, c.AppClientID, time.Now())
	if err != nil {
		return "", fmt.Errorf("credential %s: %w", c.Name, err)
	}

	token, expiresAt, err := ghapi.CreateInstallationToken(ctx, appJWT, c.InstallationID, r.APIBaseURL)
	if err != nil {
		return "", fmt.Errorf("credential %s: %w", c.Name, err)
	}

	r.mu.Lock()
	r.cache[c.ID] = cachedToken{value: token, expiresAt: expiresAt}
	r.mu.Unlock()

	r.logger.Debug("minted installation token",
		slog.String("credential", c.Name),
		slog.Int64("installationID", c.InstallationID),
		slog.Time("expiresAt", expiresAt),
	)
	return token, nil
}

// signAppJWT signs the RS256 app JWT used to authenticate as the app
// itself.  Issued-at is backdated a minute to tolerate clock skew.
func signAppJWT(pemKey []byte, clientID string, now time.Time) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemKey)
	if err != nil {
		return "", fmt.Errorf("parse app private key: %w", err)
	}
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtValidity)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}
