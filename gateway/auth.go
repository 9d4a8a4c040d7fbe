package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/stockline/eventcore/contracts"
)

var (
	// ErrUnknownKeyID is returned when a token names a key the JWKS lacks
	ErrUnknownKeyID = errors.New("gateway: unknown key id")
	// ErrMissingClaim is returned when sub or tenant_id is absent
	ErrMissingClaim = errors.New("gateway: missing required claim")
)

// Identity is the verified principal behind a connection
type Identity struct {
	UserID   string
	TenantID string
}

// TokenVerifier checks a handshake token
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// TokenVerifierFunc adapts a function to TokenVerifier
type TokenVerifierFunc func(ctx context.Context, token string) (Identity, error)

// Verify implements TokenVerifier
func (f TokenVerifierFunc) Verify(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// TenantClaim is the JWT claim holding the tenant id
const TenantClaim = "tenant_id"

// JWTVerifier verifies HS256 tokens against a shared secret, or asymmetric
// tokens against a JWKS
type JWTVerifier struct {
	parser  *jwt.Parser
	keyFunc func(ctx context.Context) jwt.Keyfunc
}

// JWTOption configures a JWTVerifier
type JWTOption func(*jwtConfig)

type jwtConfig struct {
	issuer   string
	audience string
	leeway   time.Duration
}

// WithIssuer requires the iss claim
func WithIssuer(issuer string) JWTOption {
	return func(c *jwtConfig) {
		c.issuer = strings.TrimSpace(issuer)
	}
}

// WithAudience requires the aud claim
func WithAudience(audience string) JWTOption {
	return func(c *jwtConfig) {
		c.audience = strings.TrimSpace(audience)
	}
}

// WithLeeway tolerates clock skew when checking exp and nbf
func WithLeeway(d time.Duration) JWTOption {
	return func(c *jwtConfig) {
		c.leeway = d
	}
}

func newParser(methods []string, options []JWTOption) *jwt.Parser {
	var cfg jwtConfig
	for _, opt := range options {
		opt(&cfg)
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.leeway),
	}
	if cfg.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.issuer))
	}
	if cfg.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.audience))
	}
	return jwt.NewParser(parserOpts...)
}

// NewHS256Verifier verifies tokens signed with secret
func NewHS256Verifier(secret []byte, options ...JWTOption) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("gateway: jwt secret must not be empty")
	}
	return &JWTVerifier{
		parser: newParser([]string{jwt.SigningMethodHS256.Alg()}, options),
		keyFunc: func(context.Context) jwt.Keyfunc {
			return func(*jwt.Token) (any, error) { return secret, nil }
		},
	}, nil
}

// NewJWKSVerifier verifies RSA and ECDSA tokens with keys from cache
func NewJWKSVerifier(cache *JWKSCache, options ...JWTOption) *JWTVerifier {
	return &JWTVerifier{
		parser: newParser([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}, options),
		keyFunc: func(ctx context.Context) jwt.Keyfunc {
			return func(token *jwt.Token) (any, error) {
				kid, _ := token.Header["kid"].(string)
				return cache.Key(ctx, strings.TrimSpace(kid))
			}
		},
	}
}

// Verify implements TokenVerifier. Failures are *contracts.AuthenticationError.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, &contracts.AuthenticationError{Reason: "missing token", Err: contracts.ErrAuthenticationRequired}
	}

	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, v.keyFunc(ctx)); err != nil {
		return Identity{}, &contracts.AuthenticationError{Reason: "invalid token", Err: err}
	}

	sub, _ := claims.GetSubject()
	tenant, _ := claims[TenantClaim].(string)
	sub, tenant = strings.TrimSpace(sub), strings.TrimSpace(tenant)
	if sub == "" || tenant == "" {
		return Identity{}, &contracts.AuthenticationError{Reason: "token lacks sub or tenant_id", Err: ErrMissingClaim}
	}
	return Identity{UserID: sub, TenantID: tenant}, nil
}

// JWKSCache fetches and caches signing keys by kid
type JWKSCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu        sync.RWMutex
	keys      map[string]any
	expiresAt time.Time
}

// NewJWKSCache creates a cache refreshing from url every ttl
func NewJWKSCache(url string, ttl time.Duration, client *http.Client) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &JWKSCache{
		url:    url,
		ttl:    ttl,
		client: client,
		keys:   map[string]any{},
	}
}

// Key returns the raw public key for kid, refreshing the set when it is
// stale or does not know kid
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKeyID
	}

	c.mu.RLock()
	key, fresh := c.keys[kid], time.Now().Before(c.expiresAt)
	c.mu.RUnlock()
	if key != nil && fresh {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		// A stale key beats no key while the endpoint is down.
		if key != nil {
			return key, nil
		}
		return nil, err
	}

	c.mu.RLock()
	key = c.keys[kid]
	c.mu.RUnlock()
	if key == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, kid)
	}
	return key, nil
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway: fetch jwks: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return fmt.Errorf("gateway: parse jwks: %w", err)
	}

	keys := make(map[string]any, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid := strings.TrimSpace(key.KeyID())
		if kid == "" {
			continue
		}
		var raw any
		if err := key.Raw(&raw); err != nil {
			continue
		}
		keys[kid] = raw
	}
	if len(keys) == 0 {
		return errors.New("gateway: jwks has no usable keys")
	}

	c.mu.Lock()
	c.keys = keys
	c.expiresAt = time.Now().Add(c.ttl)
	c.mu.Unlock()
	return nil
}

// TokenFromRequest extracts a handshake token from the Authorization
// header or the auth or token query parameters
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Fields(h)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	q := r.URL.Query()
	if t := q.Get("auth"); t != "" {
		return t
	}
	return q.Get("token")
}
