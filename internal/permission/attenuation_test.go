package permission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dataparency-dev/delegation-control-plane/internal/cerrors"
	"github.com/dataparency-dev/delegation-control-plane/internal/types"
)

func newTestAttenuator(t *testing.T) *Attenuator {
	t.Helper()
	a, err := New()
	require.NoError(t, err)
	return a
}

func TestRootMintsDepthZero(t *testing.T) {
	a := newTestAttenuator(t)
	tok := a.Root(Request{Scopes: []string{"repo.read"}, Actions: []string{"read"}, Resources: []string{"data/*"}, ExpiresAt: time.Now().Add(time.Hour)})
	require.Equal(t, 0, tok.DelegationDepth)
	require.Equal(t, []string{"repo.read"}, tok.Scopes)
}

func TestAttenuateNarrowsScopeSubset(t *testing.T) {
	a := newTestAttenuator(t)
	parent := a.Root(Request{Scopes: []string{"repo"}, Actions: []string{"read", "write"}, Resources: []string{"*"}, ExpiresAt: time.Now().Add(time.Hour)})

	child, err := a.Attenuate(parent, Request{Scopes: []string{"repo.read"}, ExpiresAt: parent.ExpiresAt})
	require.NoError(t, err)
	require.Equal(t, []string{"repo.read"}, child.Scopes)
	require.Equal(t, 1, child.DelegationDepth)
}

func TestAttenuateRejectsScopeWidening(t *testing.T) {
	a := newTestAttenuator(t)
	parent := a.Root(Request{Scopes: []string{"repo.read"}, ExpiresAt: time.Now().Add(time.Hour)})

	_, err := a.Attenuate(parent, Request{Scopes: []string{"repo.write"}})
	require.Error(t, err)
	require.True(t, cerrors.Is(err, cerrors.KindPermissionAttenuationViolation))
}

func TestAttenuateCannotExtendExpiry(t *testing.T) {
	a := newTestAttenuator(t)
	parentExpiry := time.Now().Add(time.Hour)
	parent := a.Root(Request{ExpiresAt: parentExpiry})

	child, err := a.Attenuate(parent, Request{ExpiresAt: parentExpiry.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.True(t, !child.ExpiresAt.After(parentExpiry))
}

func TestAttenuateResourceGlobCoverage(t *testing.T) {
	a := newTestAttenuator(t)
	parent := a.Root(Request{Resources: []string{"data/*"}, ExpiresAt: time.Now().Add(time.Hour)})

	child, err := a.Attenuate(parent, Request{Resources: []string{"data/raw"}, ExpiresAt: parent.ExpiresAt})
	require.NoError(t, err)
	require.Contains(t, child.Resources, "data/raw")

	_, err = a.Attenuate(parent, Request{Resources: []string{"other/path"}, ExpiresAt: parent.ExpiresAt})
	require.Error(t, err)
}

func TestSignAndVerify(t *testing.T) {
	a := newTestAttenuator(t)
	tok := a.Root(Request{Scopes: []string{"repo"}, ExpiresAt: time.Now().Add(time.Hour)})
	sig := a.Sign(tok)
	require.True(t, Verify(a.PublicKey(), tok, sig))

	tok.Scopes = []string{"tampered"}
	require.False(t, Verify(a.PublicKey(), tok, sig))
}
