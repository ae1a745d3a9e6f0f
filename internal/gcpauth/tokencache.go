// Package gcpauth mints and caches OAuth bearer tokens for Google Cloud
// service accounts. Tokens are obtained with the JWT-bearer grant: a
// self-signed RS256 assertion is exchanged at the OAuth token endpoint.
package gcpauth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/felipepmaragno/tiergate/internal/httputil"
	"github.com/felipepmaragno/tiergate/internal/metrics"
	"github.com/felipepmaragno/tiergate/internal/telemetry"
)

const (
	DefaultTokenURI = "https://oauth2.googleapis.com/token"
	CloudPlatform   = "https://www.googleapis.com/auth/cloud-platform"

	assertionLifetime = time.Hour
	refreshMargin     = 60 * time.Second
	jwtBearerGrant    = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// ServiceAccount is the subset of a Google service-account key file the
// token cache needs.
type ServiceAccount struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// ParseServiceAccount decodes a key file and its RSA private key.
func ParseServiceAccount(data []byte) (*ServiceAccount, *rsa.PrivateKey, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, nil, fmt.Errorf("parse service account: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, nil, errors.New("service account missing client_email or private_key")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, nil, fmt.Errorf("parse service account private key: %w", err)
	}

	if sa.TokenURI == "" {
		sa.TokenURI = DefaultTokenURI
	}
	return &sa, key, nil
}

// CachedToken is never mutated after creation; refreshes swap the pointer.
type CachedToken struct {
	Value     string
	ExpiresAt time.Time
}

type Option func(*TokenCache)

func WithHTTPClient(client *http.Client) Option {
	return func(c *TokenCache) { c.client = client }
}

func WithTokenURI(uri string) Option {
	return func(c *TokenCache) { c.tokenURI = uri }
}

func WithScope(scope string) Option {
	return func(c *TokenCache) { c.scope = scope }
}

func WithClock(now func() time.Time) Option {
	return func(c *TokenCache) { c.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *TokenCache) { c.logger = l }
}

// TokenCache is safe for concurrent use. Callers that observe an expired
// token at the same time each mint their own replacement; the last writer
// wins and every minted token is valid.
type TokenCache struct {
	email    string
	key      *rsa.PrivateKey
	tokenURI string
	scope    string
	client   *http.Client
	now      func() time.Time
	logger   *slog.Logger
	current  atomic.Pointer[CachedToken]
}

func NewTokenCache(serviceAccountJSON []byte, opts ...Option) (*TokenCache, error) {
	sa, key, err := ParseServiceAccount(serviceAccountJSON)
	if err != nil {
		return nil, err
	}

	c := &TokenCache{
		email:    sa.ClientEmail,
		key:      key,
		tokenURI: sa.TokenURI,
		scope:    CloudPlatform,
		client:   httputil.DefaultClient(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AccessToken returns a bearer token valid for at least another minute.
func (c *TokenCache) AccessToken(ctx context.Context) (string, error) {
	if tok := c.current.Load(); tok != nil && tok.ExpiresAt.Sub(c.now()) > refreshMargin {
		return tok.Value, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "gcpauth.mint")
	defer span.End()

	tok, err := c.mint(ctx)
	if err != nil {
		metrics.RecordTokenMint("error")
		telemetry.AddErrorAttribute(span, err)
		c.logger.Error("failed to mint access token", "error", err, "service_account", c.email)
		return "", &domain.AuthMintError{Err: err}
	}

	metrics.RecordTokenMint("ok")
	c.current.Store(tok)
	return tok.Value, nil
}

// Cached returns the currently cached token, if any.
func (c *TokenCache) Cached() *CachedToken {
	return c.current.Load()
}

type assertionClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

func (c *TokenCache) signAssertion(now time.Time) (string, error) {
	claims := assertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.email,
			Subject:   c.email,
			Audience:  jwt.ClaimStrings{c.tokenURI},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		},
		Scope: c.scope,
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (c *TokenCache) mint(ctx context.Context) (*CachedToken, error) {
	now := c.now()

	assertion, err := c.signAssertion(now)
	if err != nil {
		return nil, fmt.Errorf("sign assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token response without access_token")
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = assertionLifetime
	}

	return &CachedToken{Value: tr.AccessToken, ExpiresAt: now.Add(lifetime)}, nil
}
