// Package jwtfile implements the JWT-token-file call credential (spec.md
// §4.1): its contents, with surrounding whitespace trimmed, are the
// bearer token.
package jwtfile

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/meridian-rpc/callcreds/internal/credentials/token"
)

// Source reads a self-signed JWT (or any bearer value) from a file on
// every fetch, the way internal/auth reads the well-known credentials
// file: no third-party client needed, this is a pure local-filesystem
// read, so stdlib os.ReadFile is the correct tool (justified in
// DESIGN.md rather than reached for by default).
type Source struct {
	path string
	ttl  time.Duration
}

// New builds a Source that re-reads path on every fetch attempt and
// caches the result for ttl (the spec treats the file's contents as an
// opaque bearer token with no embedded expiry, so the fetcher assigns
// one itself).
func New(path string, ttl time.Duration) *Source {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Source{path: path, ttl: ttl}
}

func (s *Source) Name() string { return "jwt-file" }

func (s *Source) FetchToken(_ context.Context) (token.Token, error) {
	contents, err := os.ReadFile(s.path)
	if err != nil {
		return token.Token{}, fmt.Errorf("jwt file %q: %w", s.path, err)
	}
	value := strings.TrimSpace(string(contents))
	if value == "" {
		return token.Token{}, fmt.Errorf("jwt file %q: empty", s.path)
	}
	return token.Token{Value: value, Expiry: time.Now().Add(s.ttl)}, nil
}
