package service

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// OAuthProvider is the authorization-code surface of the CRM identity server.
type OAuthProvider interface {
	AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

type OAuth2Provider struct {
	cfg        *oauth2.Config
	httpClient *http.Client
}

func NewOAuth2Provider(cfg *oauth2.Config, httpClient *http.Client) *OAuth2Provider {
	return &OAuth2Provider{cfg: cfg, httpClient: httpClient}
}

func (p *OAuth2Provider) AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string {
	return p.cfg.AuthCodeURL(state, opts...)
}

func (p *OAuth2Provider) Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	return p.cfg.Exchange(p.clientContext(ctx), code, opts...)
}

// Refresh forces a refresh_token grant. The token source is seeded with an
// already expired token so it never returns the input unchanged.
func (p *OAuth2Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := p.cfg.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

func (p *OAuth2Provider) clientContext(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}
