package jwtverifier

import "time"

// Claims holds the well-known JWT claims (RFC 7519 §4.1). Every field is
// optional per the RFC; a missing temporal claim is treated as
// unbounded (iat/nbf = -infinity, exp = +infinity) by leaving the
// corresponding pointer nil.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  *string
	JWTID     string
	IssuedAt  *time.Time
	NotBefore *time.Time
	Expiry    *time.Time

	// Raw holds every decoded claim, including ones not promoted to a
	// named field above, for callers that need custom claims.
	Raw map[string]any
}
