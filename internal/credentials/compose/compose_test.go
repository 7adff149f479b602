package compose

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCred struct {
	typ        string
	md         map[string]string
	err        error
	requireTLS bool
}

func (s staticCred) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return s.md, s.err
}
func (s staticCred) RequireTransportSecurity() bool { return s.requireTLS }
func (s staticCred) Type() string                   { return s.typ }

func TestCallConcatenatesMetadata(t *testing.T) {
	a := staticCred{typ: "a", md: map[string]string{"x": "1"}}
	b := staticCred{typ: "b", md: map[string]string{"y": "2"}, requireTLS: true}

	c := NewCall(a, b)
	md, err := c.GetRequestMetadata(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "1", md["x"])
	assert.Equal(t, "2", md["y"])
	assert.True(t, c.RequireTransportSecurity())
}

func TestCallPropagatesEitherFailure(t *testing.T) {
	a := staticCred{typ: "a", md: map[string]string{"x": "1"}}
	b := staticCred{typ: "b", err: errors.New("boom")}

	c := NewCall(a, b)
	_, err := c.GetRequestMetadata(t.Context())
	require.Error(t, err)

	_, err = NewCall(b, a).GetRequestMetadata(t.Context())
	require.Error(t, err)
}

func TestCompareIsOrderIndependentAcrossEquivalentComposites(t *testing.T) {
	a := staticCred{typ: "a"}
	b := staticCred{typ: "b"}

	first := NewCall(a, b)
	second := NewCall(b, a)

	assert.Equal(t, 0, Compare(first, second))
}

func TestCompareOrdersDistinctComposites(t *testing.T) {
	a := staticCred{typ: "a"}
	b := staticCred{typ: "b"}

	assert.Negative(t, Compare(NewCall(a), NewCall(b)))
	assert.Positive(t, Compare(NewCall(b), NewCall(a)))
}

func TestNewCallFlattensNestedComposites(t *testing.T) {
	a := staticCred{typ: "a"}
	b := staticCred{typ: "b"}
	c := staticCred{typ: "c"}

	inner := NewCall(a, b)
	outer := NewCall(inner, c)

	assert.Equal(t, "composite(a,b,c)", outer.Type())
}
