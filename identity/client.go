package identity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

var Version = ""

// HTTPClient verifies access tokens by asking the hosted auth service who they belong to.
// One client can be shared among many users.
type HTTPClient struct {
	Client *http.Client
	// Base URL of the auth service e.g https://project.example.co
	AuthURL string
	// The project's public API key, sent as the apikey header.
	APIKey string
}

// Verify returns ErrUnauthorised if the auth service rejects the token.
func (c *HTTPClient) Verify(ctx context.Context, accessToken string) (*Session, error) {
	if accessToken == "" {
		return nil, ErrUnauthorised
	}
	req, err := http.NewRequestWithContext(ctx, "GET", strings.TrimSuffix(c.AuthURL, "/")+"/auth/v1/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "anatoplus-"+Version)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if c.APIKey != "" {
		req.Header.Set("apikey", c.APIKey)
	}
	res, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPClient.Verify: request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		if res.StatusCode == 401 || res.StatusCode == 403 {
			return nil, ErrUnauthorised
		}
		return nil, fmt.Errorf("HTTPClient.Verify: /auth/v1/user returned HTTP %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("HTTPClient.Verify: failed to read body: %w", err)
	}
	response := gjson.ParseBytes(body)
	userID := response.Get("id").Str
	if userID == "" {
		return nil, fmt.Errorf("HTTPClient.Verify: response has no user id")
	}
	return &Session{
		UserID:      userID,
		Email:       response.Get("email").Str,
		AccessToken: accessToken,
	}, nil
}
