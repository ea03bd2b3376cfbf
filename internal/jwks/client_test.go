package jwks

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
)

const (
	testIssuer   = "https://id.example"
	testAudience = "reports"
)

type keyServer struct {
	srv     *httptest.Server
	priv    ed25519.PrivateKey
	fetches atomic.Int32
}

func newKeyServer(t *testing.T, kid string) *keyServer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ks := &keyServer{priv: priv}
	ks.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.fetches.Add(1)
		_ = json.NewEncoder(w).Encode(JWKS{Keys: []JWK{{
			Kty: "OKP", Crv: "Ed25519", Kid: kid, Alg: "EdDSA", Use: "sig",
			X: base64.RawURLEncoding.EncodeToString(pub),
		}}})
	}))
	t.Cleanup(ks.srv.Close)
	return ks
}

func (ks *keyServer) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(ks.priv)
	require.NoError(t, err)
	return s
}

func validClaims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub": sub,
		"iss": testIssuer,
		"aud": testAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func TestValidateJWTWithJWKS(t *testing.T) {
	ks := newKeyServer(t, "k1")
	c := NewClient(ks.srv.URL)
	ctx := context.Background()

	claims, err := c.ValidateJWT(ctx, ks.sign(t, "k1", validClaims("user-1")), testIssuer, testAudience)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["sub"])

	// second validation is served from the cache
	_, err = c.ValidateJWT(ctx, ks.sign(t, "k1", validClaims("user-2")), testIssuer, testAudience)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ks.fetches.Load())
}

func TestValidateJWTRejects(t *testing.T) {
	ks := newKeyServer(t, "k1")
	c := NewClient(ks.srv.URL)
	ctx := context.Background()

	expired := validClaims("u")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	wrongAud := validClaims("u")
	wrongAud["aud"] = "other"
	noExp := validClaims("u")
	delete(noExp, "exp")

	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	forged := jwt.NewWithClaims(jwt.SigningMethodEdDSA, validClaims("u"))
	forged.Header["kid"] = "k1"
	forgedToken, err := forged.SignedString(otherKey)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"expired", ks.sign(t, "k1", expired), ErrExpired},
		{"wrong audience", ks.sign(t, "k1", wrongAud), ErrInvalid},
		{"missing exp", ks.sign(t, "k1", noExp), ErrInvalid},
		{"unknown kid", ks.sign(t, "k9", validClaims("u")), ErrInvalid},
		{"bad signature", forgedToken, ErrInvalid},
		{"garbage", "not.a.jwt", ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.ValidateJWT(ctx, tt.token, testIssuer, testAudience)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUnknownKidRefetchIsThrottled(t *testing.T) {
	ks := newKeyServer(t, "k1")
	c := NewClient(ks.srv.URL)
	ctx := context.Background()

	_, err := c.ValidateJWT(ctx, ks.sign(t, "k1", validClaims("user-1")), testIssuer, testAudience)
	require.NoError(t, err)

	tokens := make([]string, 50)
	for i := range tokens {
		tokens[i] = ks.sign(t, "rand-"+strconv.Itoa(i), validClaims("attacker"))
	}
	var wg sync.WaitGroup
	for _, tok := range tokens {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			_, err := c.ValidateJWT(ctx, tok, testIssuer, testAudience)
			assert.ErrorIs(t, err, ErrInvalid)
		}(tok)
	}
	wg.Wait()
	assert.Equal(t, int32(1), ks.fetches.Load())

	// once the interval has passed a miss may refetch again
	start := time.Now()
	c.now = func() time.Time { return start.Add(minRefreshInterval + time.Second) }
	_, err = c.ValidateJWT(ctx, ks.sign(t, "rand-late", validClaims("attacker")), testIssuer, testAudience)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, int32(2), ks.fetches.Load())
}

func TestTestClientSkipsSignatureButChecksClaims(t *testing.T) {
	c := NewTestClient()
	ctx := context.Background()

	tok, err := MintTestToken("user-1", testIssuer, testAudience, nil, time.Minute)
	require.NoError(t, err)
	_, err = c.ValidateJWT(ctx, tok, testIssuer, testAudience)
	require.NoError(t, err)

	_, err = c.ValidateJWT(ctx, tok, "https://elsewhere", testAudience)
	assert.ErrorIs(t, err, ErrInvalid)

	stale, err := MintTestToken("user-1", testIssuer, testAudience, nil, -time.Hour)
	require.NoError(t, err)
	_, err = c.ValidateJWT(ctx, stale, testIssuer, testAudience)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestPrincipalFromClaims(t *testing.T) {
	p, err := PrincipalFromClaims(jwt.MapClaims{"sub": "u1", "roles": []interface{}{"reviewer", 7, ""}})
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, []string{"reviewer"}, p.Roles)
	assert.True(t, p.HasRole(ReviewerRole))

	p, err = PrincipalFromClaims(jwt.MapClaims{"sub": "u2", "roles": "citizen reviewer"})
	require.NoError(t, err)
	assert.Equal(t, []string{"citizen", "reviewer"}, p.Roles)

	_, err = PrincipalFromClaims(jwt.MapClaims{"roles": "reviewer"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestAuthenticator(t *testing.T) {
	auth := NewAuthenticator(NewTestClient(), testIssuer, testAudience, []string{" ops-1 ", ""})
	ctx := context.Background()

	citizen, err := MintTestToken("citizen-1", testIssuer, testAudience, nil, time.Minute)
	require.NoError(t, err)
	actor, err := auth.Authenticate(ctx, "Bearer "+citizen)
	require.NoError(t, err)
	assert.Equal(t, "citizen-1", actor.UserID)
	assert.False(t, actor.Reviewer)

	byRole, err := MintTestToken("staff-1", testIssuer, testAudience, []string{ReviewerRole}, time.Minute)
	require.NoError(t, err)
	actor, err = auth.Authenticate(ctx, "bearer "+byRole)
	require.NoError(t, err)
	assert.True(t, actor.Reviewer)

	listed, err := MintTestToken("ops-1", testIssuer, testAudience, nil, time.Minute)
	require.NoError(t, err)
	actor, err = auth.Authenticate(ctx, "Bearer "+listed)
	require.NoError(t, err)
	assert.True(t, actor.Reviewer)

	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer not-a-token"} {
		_, err := auth.Authenticate(ctx, header)
		assert.Equal(t, errordefs.RPT_UNAUTHENTICATED, errordefs.CodeOf(err), header)
	}
}
