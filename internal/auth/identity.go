// Package auth resolves who is calling the gateway. Caller identity never
// rejects a request: a missing or unverifiable token downgrades the caller
// to the anonymous tier.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/felipepmaragno/tiergate/internal/tier"
)

const DeviceIDHeader = "X-Device-ID"

var ErrInvalidToken = errors.New("invalid caller token")

// Caller is the resolved identity of one inbound request.
type Caller struct {
	Key      string
	Tier     tier.Tier
	UserID   string
	IP       string
	DeviceID string
}

// Claims carried by caller tokens. Either Subscribed or Tier may be set.
type Claims struct {
	Subscribed bool   `json:"subscribed,omitempty"`
	Tier       string `json:"tier,omitempty"`
	jwt.RegisteredClaims
}

// Caller keys are namespaced so a client-chosen device id can never name
// an address record or any other internal key.
const (
	deviceKeyPrefix = "dev:"
	addrKeyPrefix   = "addr:"
)

func DeviceKey(id string) string { return deviceKeyPrefix + id }

func AddrKey(ip string) string { return addrKeyPrefix + ip }

type Identifier struct {
	secret  []byte
	logger  *slog.Logger
	proxies []netip.Prefix
}

type IdentifierOption func(*Identifier)

// WithTrustedProxies enables X-Forwarded-For, but only for requests whose
// peer address falls inside one of the prefixes.
func WithTrustedProxies(prefixes []netip.Prefix) IdentifierOption {
	return func(i *Identifier) { i.proxies = prefixes }
}

func NewIdentifier(secret string, logger *slog.Logger, opts ...IdentifierOption) *Identifier {
	if logger == nil {
		logger = slog.Default()
	}
	i := &Identifier{secret: []byte(secret), logger: logger}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ParseTrustedProxies accepts CIDRs or bare addresses.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
	}
	return out, nil
}

func (i *Identifier) Identify(r *http.Request) Caller {
	c := Caller{
		Tier:     tier.Anonymous,
		IP:       i.ClientIP(r),
		DeviceID: strings.TrimSpace(r.Header.Get(DeviceIDHeader)),
	}
	c.Key = AddrKey(c.IP)
	if c.DeviceID != "" {
		c.Key = DeviceKey(c.DeviceID)
	}

	token := bearerToken(r)
	if token == "" {
		return c
	}

	claims, err := i.Verify(token)
	if err != nil {
		i.logger.Debug("caller token rejected, treating as anonymous", "error", err)
		return c
	}

	c.UserID = claims.Subject
	switch {
	case claims.Subscribed:
		c.Tier = tier.Subscribed
	case claims.Tier != "":
		c.Tier = tier.ParseTier(claims.Tier)
		if c.Tier == tier.Anonymous {
			c.Tier = tier.LoggedIn
		}
	default:
		c.Tier = tier.LoggedIn
	}
	return c
}

// Verify parses an HS256 caller token. A token without a subject is invalid.
func (i *Identifier) Verify(token string) (*Claims, error) {
	if len(i.secret) == 0 {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// ClientIP is the peer address. When the peer is a trusted proxy the
// X-Forwarded-For chain is walked right to left and the first hop that is
// not itself a trusted proxy wins; hops further left are client-supplied.
func (i *Identifier) ClientIP(r *http.Request) string {
	peer := remoteHost(r.RemoteAddr)
	if !i.trusted(peer) {
		return peer
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for n := len(hops) - 1; n >= 0; n-- {
		hop := strings.TrimSpace(hops[n])
		if hop == "" {
			continue
		}
		if _, err := netip.ParseAddr(hop); err != nil {
			break
		}
		if !i.trusted(hop) {
			return hop
		}
	}
	return peer
}

func (i *Identifier) trusted(ip string) bool {
	if len(i.proxies) == 0 {
		return false
	}
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range i.proxies {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

type contextKey string

const callerContextKey contextKey = "caller"

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerContextKey).(Caller)
	return c, ok
}

// Middleware resolves the caller once and stores it on the request context.
func (i *Identifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), i.Identify(r))))
	})
}
