// internal/jwks/authenticator.go
package jwks

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
)

// Authenticator turns an Authorization header into a model.Actor.
type Authenticator struct {
	client    *Client
	issuer    string
	audience  string
	reviewers map[string]struct{}
}

// NewAuthenticator binds client to the expected issuer and audience.
// Users listed in reviewerIDs are reviewers regardless of their roles claim.
func NewAuthenticator(client *Client, issuer, audience string, reviewerIDs []string) *Authenticator {
	reviewers := make(map[string]struct{}, len(reviewerIDs))
	for _, id := range reviewerIDs {
		if id = strings.TrimSpace(id); id != "" {
			reviewers[id] = struct{}{}
		}
	}
	return &Authenticator{client: client, issuer: issuer, audience: audience, reviewers: reviewers}
}

// Authenticate validates a "Bearer <token>" header value. Every failure is
// reported as RPT_UNAUTHENTICATED.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (model.Actor, error) {
	token, ok := bearerToken(header)
	if !ok {
		return model.Actor{}, errordefs.New(errordefs.RPT_UNAUTHENTICATED, "missing bearer token", "")
	}
	claims, err := a.client.ValidateJWT(ctx, token, a.issuer, a.audience)
	if err != nil {
		msg := "invalid token"
		if errors.Is(err, ErrExpired) {
			msg = "token expired"
		}
		return model.Actor{}, errordefs.Wrap(errordefs.RPT_UNAUTHENTICATED, msg, err)
	}
	p, err := PrincipalFromClaims(claims)
	if err != nil {
		return model.Actor{}, errordefs.Wrap(errordefs.RPT_UNAUTHENTICATED, "invalid token", err)
	}
	return a.actorFor(p), nil
}

func (a *Authenticator) actorFor(p Principal) model.Actor {
	_, listed := a.reviewers[p.UserID]
	return model.Actor{UserID: p.UserID, Reviewer: listed || p.HasRole(ReviewerRole)}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// MintTestToken signs a short-lived token with a throwaway Ed25519 key. It is
// only accepted by a client created with NewTestClient.
func MintTestToken(sub, issuer, audience string, roles []string, ttl time.Duration) (string, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = "test"
	return token.SignedString(priv)
}
