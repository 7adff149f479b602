// Package compose implements the credential compositor (spec.md §4.4):
// combining call credentials so their metadata contributions concatenate
// and their failures propagate, plus the ordering needed so two
// independently constructed but semantically equal composites compare
// equal.
package compose

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/grpc/credentials"
)

// Typed is the extra capability the spec requires of every call
// credential beyond credentials.PerRPCCredentials: a stable type tag
// used for cmp/ordering. Concrete sources (token.Credential, iam.Credentials,
// ...) each expose Type(); NewCall accepts only Typed values, so a
// credential without Type() cannot be composed.
type Typed interface {
	credentials.PerRPCCredentials
	Type() string
}

// Call composes two call credentials into one that runs both, in order,
// on every GetRequestMetadata call and concatenates their metadata
// contributions. A failure from either is propagated and aborts the
// call; per spec.md §4.4 this is the only failure-propagation rule.
type Call struct {
	components []Typed
}

// NewCall builds a composite over one or more call credentials. If any
// argument is itself a *Call, its components are flattened in, so
// nested composition stays a single ordered list — this is what makes
// the lexicographic Compare below well-defined.
func NewCall(creds ...Typed) *Call {
	c := &Call{}
	for _, cr := range creds {
		if nested, ok := cr.(*Call); ok {
			c.components = append(c.components, nested.components...)
			continue
		}
		c.components = append(c.components, cr)
	}
	return c
}

func (c *Call) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	merged := make(map[string]string)
	for _, cr := range c.components {
		md, err := cr.GetRequestMetadata(ctx, uri...)
		if err != nil {
			return nil, fmt.Errorf("composite call credential: %s: %w", cr.Type(), err)
		}
		for k, v := range md {
			merged[k] = v
		}
	}
	return merged, nil
}

func (c *Call) RequireTransportSecurity() bool {
	for _, cr := range c.components {
		if cr.RequireTransportSecurity() {
			return true
		}
	}
	return false
}

// Type concatenates each component's type tag in composition order,
// e.g. "composite(token-fetcher:oauth2,iam)".
func (c *Call) Type() string {
	tags := make([]string, len(c.components))
	for i, cr := range c.components {
		tags[i] = cr.Type()
	}
	return "composite(" + strings.Join(tags, ",") + ")"
}

// Compare orders two call credentials by their component type tags:
// a composite's tags are sorted first, then compared lexicographically.
// Two composites built independently from the same set of underlying
// credentials therefore compare equal whatever order they were composed
// in — the property spec.md §4.4 requires so equal credentials hash to
// the same channel key.
func Compare(a, b Typed) int {
	aTags, bTags := tags(a), tags(b)
	n := len(aTags)
	if len(bTags) < n {
		n = len(bTags)
	}
	for i := 0; i < n; i++ {
		if aTags[i] != bTags[i] {
			if aTags[i] < bTags[i] {
				return -1
			}
			return 1
		}
	}
	return len(aTags) - len(bTags)
}

func tags(c Typed) []string {
	if composite, ok := c.(*Call); ok {
		out := make([]string, len(composite.components))
		for i, cr := range composite.components {
			out[i] = cr.Type()
		}
		sort.Strings(out)
		return out
	}
	return []string{c.Type()}
}

// Channel composes a transport (channel) credential with a call
// credential into a credentials.Bundle, the way
// google.golang.org/grpc/credentials/google composes TLS with call
// credentials for production gRPC channels.
type Channel struct {
	transport credentials.TransportCredentials
	call      credentials.PerRPCCredentials
}

// NewChannel builds a Bundle pairing transport with call.
func NewChannel(transport credentials.TransportCredentials, call credentials.PerRPCCredentials) *Channel {
	return &Channel{transport: transport, call: call}
}

func (b *Channel) TransportCredentials() credentials.TransportCredentials { return b.transport }
func (b *Channel) PerRPCCredentials() credentials.PerRPCCredentials       { return b.call }

func (b *Channel) NewWithMode(mode string) (credentials.Bundle, error) {
	return &Channel{transport: b.transport, call: b.call}, nil
}
