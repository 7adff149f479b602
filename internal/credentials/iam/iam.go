// Package iam implements the IAM call credential named in spec.md §6:
// a static pair of headers (authorization token and authority selector)
// with no fetch, cache, or backoff, since both values are fixed at
// construction time. spec.md §4 never designs this as a component of F,
// V, or R — it is supplied here as the minimal credential spec.md's
// external-interfaces section implies but never builds out.
package iam

import "context"

const (
	authTokenHeader    = "x-goog-iam-authorization-token"
	authoritySelHeader = "x-goog-iam-authority-selector"
)

// Credentials implements google.golang.org/grpc/credentials.PerRPCCredentials
// by stamping a fixed IAM authorization token and authority selector on
// every call.
type Credentials struct {
	token     string
	authority string
}

// New builds an IAM call credential from a pre-obtained authorization
// token and the authority selector it was minted for.
func New(authorizationToken, authoritySelector string) *Credentials {
	return &Credentials{token: authorizationToken, authority: authoritySelector}
}

func (c *Credentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{
		authTokenHeader:    c.token,
		authoritySelHeader: c.authority,
	}, nil
}

func (c *Credentials) RequireTransportSecurity() bool { return true }

func (c *Credentials) Type() string { return "iam" }
