package oauth2

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchTokenParsesAccessTokenAndExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "abc",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	src := New(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     srv.URL,
	})

	tok, err := src.FetchToken(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.Value)
	assert.False(t, tok.Expiry.IsZero())
}

func TestFetchTokenPropagatesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := New(Config{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL})
	_, err := src.FetchToken(t.Context())
	require.Error(t, err)
}
