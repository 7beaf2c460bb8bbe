package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// ProfileFetcher reads the provider's stored profile for a subject. The
// admin client is the production implementation; tests substitute their own.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, subject string) (*Profile, error)
}

// AdminClient calls the identity provider's management API with a
// client-credentials token. Used for non-interactive operations such as
// enriching a sparse token with the provider's stored profile.
type AdminClient struct {
	baseURL string
	http    *http.Client
}

// NewAdminClient builds a client whose transport injects and refreshes the
// client-credentials token.
func NewAdminClient(ctx context.Context, tokenURL, clientID, clientSecret, baseURL string) *AdminClient {
	cc := clientcredentials.Config{
		TokenURL:     tokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
	httpClient := cc.Client(ctx)
	httpClient.Timeout = 10 * time.Second
	return &AdminClient{
		baseURL: baseURL,
		http:    httpClient,
	}
}

// Profile is the provider's stored record for one subject.
type Profile struct {
	Subject  string `json:"sub"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Username string `json:"preferred_username"`
	Blocked  bool   `json:"blocked"`
}

// FetchProfile reads the provider's profile for a subject.
func (c *AdminClient) FetchProfile(ctx context.Context, subject string) (*Profile, error) {
	endpoint := fmt.Sprintf("%s/users/%s", c.baseURL, url.PathEscape(subject))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build profile request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile request returned %d", resp.StatusCode)
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &p, nil
}
