package toolhub

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// OAuthParams identifies this application to the upstream OAuth server.
type OAuthParams struct {
	AuthURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// OAuth wraps the upstream token endpoint: authorization_code exchange for
// the login flow and refresh_token grants for the vault.
type OAuth struct {
	cfg *oauth2.Config
}

// NewOAuth builds the OAuth client for the upstream registry.
func NewOAuth(p OAuthParams) *OAuth {
	return &OAuth{
		cfg: &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  p.AuthURL,
				TokenURL: p.TokenURL,
			},
		},
	}
}

// AuthCodeURL returns the browser redirect target for the login flow.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token pair.
func (o *OAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := o.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange: %w", err)
	}
	return tok, nil
}

// Refresh exchanges a refresh token for a fresh access token.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := o.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token exchange: %w", err)
	}
	return tok, nil
}
