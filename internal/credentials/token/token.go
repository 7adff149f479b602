// Package token implements the generic caching fetch-and-coalesce
// credential used by the OAuth2, external-account, and JWT-file call
// credentials: at most one fetch in flight per credential, calls queued
// behind it, soft-expiry refresh, and backoff on failure.
package token

import "time"

// refreshThreshold is how long before absolute expiry a cached token is
// treated as no longer usable and a refresh is triggered. Spec: 60s.
const refreshThreshold = 60 * time.Second

// Token is the opaque bearer value returned by a Source, together with
// its absolute expiration. Immutable after construction.
type Token struct {
	Value  string
	Expiry time.Time
}

// usable reports whether t has more than refreshThreshold left before it
// expires, as of now. A zero-value Token is never usable.
func (t Token) usable(now time.Time) bool {
	if t.Value == "" {
		return false
	}
	return t.Expiry.Sub(now) > refreshThreshold
}
