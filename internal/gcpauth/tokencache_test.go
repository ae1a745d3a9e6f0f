package gcpauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipepmaragno/tiergate/internal/domain"
	"github.com/golang-jwt/jwt/v4"
)

func newTestKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func serviceAccountJSON(t *testing.T, pemKey, tokenURI string) []byte {
	t.Helper()
	data, err := json.Marshal(ServiceAccount{
		Type:        "service_account",
		ProjectID:   "proj",
		ClientEmail: "gateway@proj.iam.gserviceaccount.com",
		PrivateKey:  pemKey,
		TokenURI:    tokenURI,
	})
	if err != nil {
		t.Fatalf("marshal service account: %v", err)
	}
	return data
}

type fakeTokenEndpoint struct {
	server    *httptest.Server
	calls     atomic.Int32
	expiresIn int
	status    int
	lastClaim *assertionClaims
	mu        sync.Mutex
}

func newFakeTokenEndpoint(t *testing.T, pub *rsa.PublicKey) *fakeTokenEndpoint {
	f := &fakeTokenEndpoint{expiresIn: 3600, status: http.StatusOK}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := f.calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != jwtBearerGrant {
			t.Errorf("grant_type = %q", got)
		}

		claims := &assertionClaims{}
		parser := jwt.NewParser(jwt.WithoutClaimsValidation())
		_, err := parser.ParseWithClaims(r.PostForm.Get("assertion"), claims, func(tok *jwt.Token) (interface{}, error) {
			if tok.Method.Alg() != "RS256" {
				t.Errorf("alg = %s, want RS256", tok.Method.Alg())
			}
			return pub, nil
		})
		if err != nil {
			t.Errorf("assertion does not verify: %v", err)
		}
		f.mu.Lock()
		f.lastClaim = claims
		f.mu.Unlock()

		if f.status != http.StatusOK {
			w.WriteHeader(f.status)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-" + string(rune('0'+n)),
			"expires_in":   f.expiresIn,
			"token_type":   "Bearer",
		})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func TestTokenCache_MintsAndCaches(t *testing.T) {
	key, pemKey := newTestKey(t)
	endpoint := newFakeTokenEndpoint(t, &key.PublicKey)

	cache, err := NewTokenCache(serviceAccountJSON(t, pemKey, endpoint.server.URL))
	if err != nil {
		t.Fatalf("NewTokenCache() error = %v", err)
	}

	ctx := context.Background()
	first, err := cache.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	second, err := cache.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}

	if first != second {
		t.Errorf("cached token changed: %q then %q", first, second)
	}
	if endpoint.calls.Load() != 1 {
		t.Errorf("token endpoint called %d times, want 1", endpoint.calls.Load())
	}

	claims := endpoint.lastClaim
	if claims.Issuer != "gateway@proj.iam.gserviceaccount.com" || claims.Subject != claims.Issuer {
		t.Errorf("iss/sub = %q/%q", claims.Issuer, claims.Subject)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != endpoint.server.URL {
		t.Errorf("aud = %v", claims.Audience)
	}
	if claims.Scope != CloudPlatform {
		t.Errorf("scope = %q", claims.Scope)
	}
	if lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time); lifetime != time.Hour {
		t.Errorf("assertion lifetime = %v, want 1h", lifetime)
	}
}

func TestTokenCache_RefreshesInsideSafetyMargin(t *testing.T) {
	key, pemKey := newTestKey(t)
	endpoint := newFakeTokenEndpoint(t, &key.PublicKey)

	now := time.Now()
	clock := func() time.Time { return now }

	cache, err := NewTokenCache(serviceAccountJSON(t, pemKey, endpoint.server.URL), WithClock(clock))
	if err != nil {
		t.Fatalf("NewTokenCache() error = %v", err)
	}

	ctx := context.Background()
	if _, err := cache.AccessToken(ctx); err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}

	// 61 s before expiry the cached token is still served.
	now = now.Add(time.Hour - 61*time.Second)
	if _, err := cache.AccessToken(ctx); err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if endpoint.calls.Load() != 1 {
		t.Fatalf("token re-minted too early: %d calls", endpoint.calls.Load())
	}

	// 59 s before expiry a new token is minted.
	now = now.Add(2 * time.Second)
	tok, err := cache.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if endpoint.calls.Load() != 2 {
		t.Errorf("token endpoint called %d times, want 2", endpoint.calls.Load())
	}
	if cached := cache.Cached(); cached == nil || cached.Value != tok {
		t.Errorf("cache not replaced with fresh token")
	}
}

func TestTokenCache_FailureIsNotCached(t *testing.T) {
	key, pemKey := newTestKey(t)
	endpoint := newFakeTokenEndpoint(t, &key.PublicKey)
	endpoint.status = http.StatusInternalServerError

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	cache, err := NewTokenCache(serviceAccountJSON(t, pemKey, endpoint.server.URL), WithLogger(logger))
	if err != nil {
		t.Fatalf("NewTokenCache() error = %v", err)
	}

	_, err = cache.AccessToken(context.Background())
	var mintErr *domain.AuthMintError
	if !errors.As(err, &mintErr) {
		t.Fatalf("error = %v, want AuthMintError", err)
	}
	if cache.Cached() != nil {
		t.Error("failed mint must not populate the cache")
	}
	if !strings.Contains(logs.String(), "failed to mint access token") {
		t.Errorf("mint failure not logged to the configured logger: %q", logs.String())
	}

	endpoint.status = http.StatusOK
	if _, err := cache.AccessToken(context.Background()); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if endpoint.calls.Load() != 2 {
		t.Errorf("token endpoint called %d times, want 2", endpoint.calls.Load())
	}
}

func TestTokenCache_ConcurrentCallersAllGetTokens(t *testing.T) {
	key, pemKey := newTestKey(t)
	endpoint := newFakeTokenEndpoint(t, &key.PublicKey)

	cache, err := NewTokenCache(serviceAccountJSON(t, pemKey, endpoint.server.URL))
	if err != nil {
		t.Fatalf("NewTokenCache() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok, err := cache.AccessToken(context.Background()); err != nil || tok == "" {
				t.Errorf("AccessToken() = %q, %v", tok, err)
			}
		}()
	}
	wg.Wait()

	if n := endpoint.calls.Load(); n < 1 || n > 8 {
		t.Errorf("token endpoint called %d times", n)
	}
}

func TestParseServiceAccount_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"missing email", `{"private_key":"x"}`},
		{"bad pem", `{"client_email":"a@b","private_key":"not a key"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTokenCache([]byte(tt.data)); err == nil {
				t.Error("expected error for malformed service account")
			}
		})
	}
}

func TestParseServiceAccount_DefaultsTokenURI(t *testing.T) {
	_, pemKey := newTestKey(t)
	sa, _, err := ParseServiceAccount(serviceAccountJSON(t, pemKey, ""))
	if err != nil {
		t.Fatalf("ParseServiceAccount() error = %v", err)
	}
	if sa.TokenURI != DefaultTokenURI {
		t.Errorf("TokenURI = %q, want %q", sa.TokenURI, DefaultTokenURI)
	}
}

func TestTokenCache_Overrides(t *testing.T) {
	key, pemKey := newTestKey(t)
	endpoint := newFakeTokenEndpoint(t, &key.PublicKey)

	const scope = "https://www.googleapis.com/auth/generative-language"
	cache, err := NewTokenCache(
		serviceAccountJSON(t, pemKey, "https://oauth2.invalid/token"),
		WithTokenURI(endpoint.server.URL),
		WithScope(scope),
		WithHTTPClient(endpoint.server.Client()),
	)
	if err != nil {
		t.Fatalf("NewTokenCache() error = %v", err)
	}
	if _, err := cache.AccessToken(context.Background()); err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}

	endpoint.mu.Lock()
	claims := endpoint.lastClaim
	endpoint.mu.Unlock()
	if claims.Scope != scope {
		t.Errorf("scope = %q, want %q", claims.Scope, scope)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != endpoint.server.URL {
		t.Errorf("aud = %v", claims.Audience)
	}
}
