package github

import (
	"context"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

const defaultBaseURL = "https://api.github.com"

// Client is the official GitHub SDK client.
type Client = gh.Client

// NewClient creates a GitHub SDK client authenticated with a static API token.
// An empty token yields an anonymous client; a non-default baseURL targets
// GitHub Enterprise.
func NewClient(ctx context.Context, token, baseURL string) (*Client, error) {
	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}

	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL != "" && baseURL != defaultBaseURL {
		return gh.NewEnterpriseClient(baseURL, baseURL, httpClient)
	}
	return gh.NewClient(httpClient), nil
}
