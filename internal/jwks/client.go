// internal/jwks/client.go
// Package jwks validates bearer tokens against a JSON Web Key Set and turns
// their claims into the caller identity used by the reports service.
package jwks

import (
	"context"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// Validation failures. Callers map them onto error codes; the wrapped cause
// carries the detail.
var (
	ErrMalformed = errors.New("malformed token")
	ErrExpired   = errors.New("token expired")
	ErrInvalid   = errors.New("invalid token")
)

// ReviewerRole is the roles claim entry that lets a caller advance reports it does not own.
const ReviewerRole = "reviewer"

// cacheTTL is how long a fetched key set is trusted.
const cacheTTL = 5 * time.Minute

// minRefreshInterval bounds how often an unknown kid may force a refetch.
const minRefreshInterval = 30 * time.Second

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key. OKP keys use Crv and X, RSA keys use N and E.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// Principal is the authenticated caller extracted from a token.
type Principal struct {
	UserID string
	Roles  []string
}

// HasRole reports whether role is among p's roles.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	httpClient *http.Client
	cache      *jwksCache
	testMode   bool
	now        func() time.Time
	fetches    singleflight.Group
}

type jwksCache struct {
	jwks      *JWKS
	fetchedAt time.Time
	expiresAt time.Time
	mutex     sync.RWMutex
}

// NewClient creates a client that fetches keys from jwksURL.
func NewClient(jwksURL string) *Client {
	return &Client{
		jwksURL: jwksURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: &jwksCache{},
		now:   time.Now,
	}
}

// NewTestClient creates a client that skips signature verification. Issuer,
// audience and expiry are still enforced. Used in dev and tests only.
func NewTestClient() *Client {
	return &Client{testMode: true, cache: &jwksCache{}, now: time.Now}
}

func (c *Client) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var set JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &set, nil
}

// getJWKS retrieves JWKS from cache or fetches fresh if needed. force skips
// the cache so a rotated key is picked up on a kid miss, but no more than once
// per minRefreshInterval. Concurrent fetches share one request and the lock is
// never held across it.
func (c *Client) getJWKS(ctx context.Context, force bool) (*JWKS, error) {
	c.cache.mutex.RLock()
	set, fetchedAt, expiresAt := c.cache.jwks, c.cache.fetchedAt, c.cache.expiresAt
	c.cache.mutex.RUnlock()

	now := c.now()
	if set != nil {
		if !force && now.Before(expiresAt) {
			return set, nil
		}
		if force && now.Sub(fetchedAt) < minRefreshInterval {
			return set, nil
		}
	}

	v, err, _ := c.fetches.Do(c.jwksURL, func() (interface{}, error) {
		fresh, err := c.fetchJWKS(ctx)
		if err != nil {
			return nil, err
		}
		c.cache.mutex.Lock()
		c.cache.jwks = fresh
		c.cache.fetchedAt = c.now()
		c.cache.expiresAt = c.cache.fetchedAt.Add(cacheTTL)
		c.cache.mutex.Unlock()
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*JWKS), nil
}

func (c *Client) getKey(ctx context.Context, kid string) (*JWK, error) {
	for _, force := range []bool{false, true} {
		set, err := c.getJWKS(ctx, force)
		if err != nil {
			return nil, err
		}
		for _, key := range set.Keys {
			if key.Kid == kid {
				k := key
				return &k, nil
			}
		}
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// publicKey decodes jwk into a verification key.
func publicKey(jwk *JWK) (interface{}, error) {
	switch jwk.Kty {
	case "OKP":
		if jwk.Crv != "Ed25519" {
			return nil, fmt.Errorf("unsupported curve %q", jwk.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil || len(x) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid Ed25519 public key")
		}
		return ed25519.PublicKey(x), nil
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(jwk.N)
		if err != nil {
			return nil, fmt.Errorf("invalid RSA modulus: %w", err)
		}
		e, err := base64.RawURLEncoding.DecodeString(jwk.E)
		if err != nil {
			return nil, fmt.Errorf("invalid RSA exponent: %w", err)
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", jwk.Kty)
	}
}

// ValidateJWT verifies tokenString and returns its claims. Issuer and
// audience are checked when non-empty; exp is required.
func (c *Client) ValidateJWT(ctx context.Context, tokenString, expectedIssuer, expectedAudience string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
		jwt.WithLeeway(30 * time.Second),
	}
	if expectedIssuer != "" {
		opts = append(opts, jwt.WithIssuer(expectedIssuer))
	}
	if expectedAudience != "" {
		opts = append(opts, jwt.WithAudience(expectedAudience))
	}
	parser := jwt.NewParser(opts...)

	if c.testMode {
		token, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		claims := token.Claims.(jwt.MapClaims)
		if err := validateClaims(claims, opts); err != nil {
			return nil, err
		}
		return claims, nil
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing or invalid kid in JWT header")
		}
		jwk, err := c.getKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		return publicKey(jwk)
	}

	token, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, keyFunc,
		append(opts, jwt.WithValidMethods([]string{"EdDSA", "RS256"}))...)
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, ErrInvalid
	}
	return token.Claims.(jwt.MapClaims), nil
}

// validateClaims runs the registered-claim checks of a parser over claims
// that were parsed without verification.
func validateClaims(claims jwt.MapClaims, opts []jwt.ParserOption) error {
	v := jwt.NewValidator(opts...)
	if err := v.Validate(claims); err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
}

// PrincipalFromClaims extracts the subject and roles. roles may be a JSON
// array or a space separated string.
func PrincipalFromClaims(claims jwt.MapClaims) (Principal, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, fmt.Errorf("%w: missing or invalid sub claim", ErrInvalid)
	}
	p := Principal{UserID: sub}
	switch roles := claims["roles"].(type) {
	case []interface{}:
		for _, r := range roles {
			if s, ok := r.(string); ok && s != "" {
				p.Roles = append(p.Roles, s)
			}
		}
	case string:
		p.Roles = strings.Fields(roles)
	}
	return p, nil
}
