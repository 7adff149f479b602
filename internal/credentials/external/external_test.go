package external

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type staticTokenSource struct {
	tok *oauth2.Token
	err error
}

func (s staticTokenSource) Token() (*oauth2.Token, error) { return s.tok, s.err }

func TestFetchTokenFromTokenSource(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	src := NewFromTokenSource(staticTokenSource{tok: &oauth2.Token{AccessToken: "sts-token", Expiry: expiry}})

	tok, err := src.FetchToken(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "sts-token", tok.Value)
	assert.Equal(t, expiry, tok.Expiry)
}

func TestFetchTokenPropagatesExchangeError(t *testing.T) {
	src := NewFromTokenSource(staticTokenSource{err: errors.New("sts exchange failed")})

	_, err := src.FetchToken(t.Context())
	require.Error(t, err)
}
