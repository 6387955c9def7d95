// Package jwt issues and validates the capability tokens that prove an admin
// may use protected routes.
package jwt

import (
	"context"
	"fmt"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
)

// CapabilityManageOptions allows managing the Instagram connection of a site.
const CapabilityManageOptions = "manage_options"

// Generator is responsible for signing and validating capability tokens.
type Generator struct {
	keys *KeyManager
	ttl  time.Duration
}

// NewGenerator constructs a capability token generator.
func NewGenerator(manager *KeyManager, ttl time.Duration) *Generator {
	return &Generator{keys: manager, ttl: ttl}
}

// CapabilityClaims represent the custom payload of a capability token.
type CapabilityClaims struct {
	Capabilities []string `json:"capabilities"`
	// SiteID limits the token to one site. Zero grants every site of the network.
	SiteID int64 `json:"site_id,omitempty"`
}

// Can reports whether the claims grant capability on siteID.
func (c *CapabilityClaims) Can(capability string, siteID int64) bool {
	if c == nil || (c.SiteID != 0 && c.SiteID != siteID) {
		return false
	}
	for _, granted := range c.Capabilities {
		if granted == capability {
			return true
		}
	}
	return false
}

// Issue produces a signed capability token for subject.
func (g *Generator) Issue(ctx context.Context, subject, issuer string, capabilities []string, siteID int64) (string, time.Time, error) {
	key, err := g.keys.EnsureSigningKey(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("ensure signing key: %w", err)
	}

	signer, err := gojose.NewSigner(gojose.SigningKey{Algorithm: gojose.SignatureAlgorithm(key.Algorithm), Key: key.Secret}, (&gojose.SignerOptions{}).WithType("JWT").WithHeader("kid", key.KID))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("new signer: %w", err)
	}

	now := time.Now().UTC()
	expiry := now.Add(g.ttl)
	stdClaims := gojwt.Claims{
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(expiry),
		NotBefore: gojwt.NewNumericDate(now),
	}

	custom := CapabilityClaims{
		Capabilities: capabilities,
		SiteID:       siteID,
	}

	token, err := gojwt.Signed(signer).Claims(stdClaims).Claims(custom).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("serialize jwt: %w", err)
	}

	return token, expiry, nil
}

// Validate ensures the token is valid and returns its claims.
func (g *Generator) Validate(ctx context.Context, token, issuer string) (*gojwt.Claims, *CapabilityClaims, error) {
	key, err := g.keys.ActiveKey(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load key: %w", err)
	}

	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.SignatureAlgorithm(key.Algorithm)})
	if err != nil {
		return nil, nil, fmt.Errorf("parse token: %w", err)
	}

	var std gojwt.Claims
	var custom CapabilityClaims
	if err := parsed.Claims(key.Secret, &std, &custom); err != nil {
		return nil, nil, fmt.Errorf("verify token: %w", err)
	}

	if err := std.Validate(gojwt.Expected{Issuer: issuer}); err != nil {
		return nil, nil, fmt.Errorf("validate claims: %w", err)
	}

	return &std, &custom, nil
}
