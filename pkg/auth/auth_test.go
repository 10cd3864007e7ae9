package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/meshfile/pkg/meshfile"
)

func TestStaticProviderRequiresTestEnv(t *testing.T) {
	t.Setenv("TEST_ENV", "")
	_, err := NewStaticProvider()
	require.Error(t, err)

	t.Setenv("TEST_ENV", "1")
	p, err := NewStaticProvider()
	require.NoError(t, err)
	assert.Equal(t, "static", p.Name())
}

func TestStaticProviderAcceptsNonEmptyToken(t *testing.T) {
	t.Setenv("TEST_ENV", "1")
	p, err := NewStaticProvider()
	require.NoError(t, err)

	id, err := p.Authorize(context.Background(), "client-a")
	require.NoError(t, err)
	assert.Equal(t, "client-a", id.ID)
	assert.True(t, id.Has(meshfile.PermRead))
	assert.True(t, id.Has(meshfile.PermWrite))
}

func TestStaticProviderRejectsEmptyToken(t *testing.T) {
	t.Setenv("TEST_ENV", "1")
	p, err := NewStaticProvider()
	require.NoError(t, err)

	_, err = p.Authorize(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, meshfile.KindAuthDenied, meshfile.KindOf(err))
}

func TestJWTRoundTrip(t *testing.T) {
	p, err := NewJWTProvider([]byte("test-secret"), "meshfile")
	require.NoError(t, err)

	token, err := p.IssueToken("alice", []meshfile.Permission{meshfile.PermRead, meshfile.PermWrite}, time.Minute)
	require.NoError(t, err)

	id, err := p.Authorize(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.ID)
	assert.True(t, id.HasAll([]meshfile.Permission{meshfile.PermRead, meshfile.PermWrite}))
	assert.False(t, id.Has(meshfile.PermAdmin))
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	signer, err := NewJWTProvider([]byte("secret-a"), "")
	require.NoError(t, err)
	verifier, err := NewJWTProvider([]byte("secret-b"), "")
	require.NoError(t, err)

	token, err := signer.IssueToken("bob", nil, time.Minute)
	require.NoError(t, err)

	_, err = verifier.Authorize(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, meshfile.KindAuthDenied, meshfile.KindOf(err))
}

func TestJWTRejectsExpiredToken(t *testing.T) {
	p, err := NewJWTProvider([]byte("test-secret"), "")
	require.NoError(t, err)

	token, err := p.IssueToken("carol", nil, -time.Minute)
	require.NoError(t, err)

	_, err = p.Authorize(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, meshfile.KindAuthDenied, meshfile.KindOf(err))
}

func TestJWTRejectsWrongIssuer(t *testing.T) {
	signer, err := NewJWTProvider([]byte("test-secret"), "other")
	require.NoError(t, err)
	verifier, err := NewJWTProvider([]byte("test-secret"), "meshfile")
	require.NoError(t, err)

	token, err := signer.IssueToken("dave", nil, time.Minute)
	require.NoError(t, err)

	_, err = verifier.Authorize(context.Background(), token)
	require.Error(t, err)
}

func TestIdentityPermissionChecks(t *testing.T) {
	id := &Identity{ID: "x", Permissions: []meshfile.Permission{meshfile.PermRead}}
	assert.True(t, id.Has(meshfile.PermRead))
	assert.False(t, id.Has(meshfile.PermWrite))
	assert.False(t, id.HasAll([]meshfile.Permission{meshfile.PermRead, meshfile.PermWrite}))

	admin := &Identity{ID: "root", Permissions: []meshfile.Permission{meshfile.PermAdmin}}
	assert.True(t, admin.HasAll([]meshfile.Permission{meshfile.PermRead, meshfile.PermWrite}))
}
