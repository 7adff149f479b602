package iam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRequestMetadataStampsBothHeaders(t *testing.T) {
	c := New("authz-token", "selector@project.iam.gserviceaccount.com")

	md, err := c.GetRequestMetadata(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "authz-token", md["x-goog-iam-authorization-token"])
	assert.Equal(t, "selector@project.iam.gserviceaccount.com", md["x-goog-iam-authority-selector"])
	assert.True(t, c.RequireTransportSecurity())
}
