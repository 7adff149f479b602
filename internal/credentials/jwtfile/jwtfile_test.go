package jwtfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchTokenReadsFileContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token.jwt")
	require.NoError(t, writeFile(path, "eyJhbGciOi...\n"))

	src := New(path, time.Minute)
	tok, err := src.FetchToken(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "eyJhbGciOi...", tok.Value)
}

func TestFetchTokenMissingFile(t *testing.T) {
	src := New(filepath.Join(t.TempDir(), "missing.jwt"), time.Minute)
	_, err := src.FetchToken(t.Context())
	require.Error(t, err)
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o600)
}
