package identity

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifier validates ID tokens against the configured issuer's JWKS.
type OIDCVerifier struct {
	verifier    *oidc.IDTokenVerifier
	providerTag string
}

// NewOIDCVerifier discovers the issuer and prepares a verifier. The ctx
// bounds the discovery request only.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID, providerTag string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover identity provider: %w", err)
	}
	return &OIDCVerifier{
		verifier:    provider.Verifier(&oidc.Config{ClientID: clientID}),
		providerTag: providerTag,
	}, nil
}

// Verify checks signature, issuer, audience and expiry, then extracts the
// profile claims the identity store cares about.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	var raw struct {
		Email             string `json:"email"`
		EmailVerified     bool   `json:"email_verified"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
		TenantID          string `json:"tenant_id"`
	}
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse token claims: %w", err)
	}

	return &Claims{
		Subject:       idToken.Subject,
		Provider:      v.providerTag,
		Email:         raw.Email,
		EmailVerified: raw.EmailVerified,
		Name:          raw.Name,
		Username:      raw.PreferredUsername,
		TenantID:      raw.TenantID,
		ExpiresAt:     idToken.Expiry,
	}, nil
}
