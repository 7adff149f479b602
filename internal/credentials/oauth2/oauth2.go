// Package oauth2 implements the OAuth2 client-credentials token source
// (spec.md §4.1, "Concrete subclasses"): an RFC 6749 §5.1 exchange
// against a token endpoint, producing a bearer token with an absolute
// expiry.
package oauth2

import (
	"context"
	"fmt"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/meridian-rpc/callcreds/internal/credentials/token"
)

// Config describes the client-credentials exchange.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// Source fetches tokens via golang.org/x/oauth2/clientcredentials, the
// Go ecosystem's standard client for exactly the
// POST-form/JSON-{access_token,expires_in}-response exchange the
// original C++ oauth2_credentials.h hand-rolls.
type Source struct {
	cfg *clientcredentials.Config
}

// New builds an OAuth2 token Source from cfg.
func New(cfg Config) *Source {
	return &Source{cfg: &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}}
}

func (s *Source) Name() string { return "oauth2" }

func (s *Source) FetchToken(ctx context.Context) (token.Token, error) {
	tok, err := s.cfg.Token(ctx)
	if err != nil {
		return token.Token{}, fmt.Errorf("oauth2 token exchange: %w", err)
	}
	if tok.AccessToken == "" {
		return token.Token{}, fmt.Errorf("oauth2 token exchange: empty access_token in response")
	}
	return token.Token{Value: tok.AccessToken, Expiry: tok.Expiry}, nil
}
