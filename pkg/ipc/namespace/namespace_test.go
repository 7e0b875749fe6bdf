package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exo-os/kernel/pkg/kerrors"
)

func TestCreateValidatesNameShape(t *testing.T) {
	n := New()
	_, err := n.Create("", TypeChannel, 0o640, 0, 1, 1)
	require.Error(t, err)
	assert.Equal(t, kerrors.InvalidParameter, kerrors.KindOf(err))

	_, err = n.Create("no-leading-slash", TypeChannel, 0o640, 0, 1, 1)
	require.Error(t, err)

	_, err = n.Create("/valid", TypeChannel, 0o640, 0, 1, 1)
	require.NoError(t, err)

	_, err = n.Create("/valid", TypeChannel, 0o640, 0, 1, 1)
	require.Error(t, err)
	assert.Equal(t, kerrors.AlreadyExists, kerrors.KindOf(err))
}

func TestOpenEnforcesOwnerGroupOtherBits(t *testing.T) {
	n := New()
	_, err := n.Create("/chan", TypeChannel, 0o640, 0, 100, 200)
	require.NoError(t, err)

	// Owner (pid match): rw- permitted.
	_, err = n.Open("/chan", true, true, 100, 999)
	require.NoError(t, err)

	// Group (gid match, pid different): r-- permitted, write denied.
	_, err = n.Open("/chan", true, false, 999, 200)
	require.NoError(t, err)
	_, err = n.Open("/chan", false, true, 999, 200)
	require.Error(t, err)
	assert.Equal(t, kerrors.PermissionDenied, kerrors.KindOf(err))

	// Other (neither match): --- denies everything.
	_, err = n.Open("/chan", true, false, 999, 999)
	require.Error(t, err)
}

func TestOpenHonorsExclusiveFlag(t *testing.T) {
	n := New()
	_, err := n.Create("/excl", TypeChannel, 0o666, FlagExclusive, 1, 1)
	require.NoError(t, err)

	_, err = n.Open("/excl", true, true, 1, 1)
	require.NoError(t, err)

	_, err = n.Open("/excl", true, true, 2, 2)
	require.Error(t, err)
	assert.Equal(t, kerrors.Busy, kerrors.KindOf(err))
}

func TestUnlinkRequiresOwnership(t *testing.T) {
	n := New()
	_, err := n.Create("/mine", TypeChannel, 0o640, 0, 1, 1)
	require.NoError(t, err)

	err = n.Unlink("/mine", 2)
	require.Error(t, err)
	assert.Equal(t, kerrors.PermissionDenied, kerrors.KindOf(err))

	require.NoError(t, n.Unlink("/mine", 1))
	_, err = n.Stat("/mine")
	require.Error(t, err)
	assert.Equal(t, kerrors.NotFound, kerrors.KindOf(err))
}

func TestListFiltersByPrefixSorted(t *testing.T) {
	n := New()
	require.NoError(t, mustCreate(n, "/b/two"))
	require.NoError(t, mustCreate(n, "/a/one"))
	require.NoError(t, mustCreate(n, "/a/three"))

	got := n.List("/a/")
	assert.Equal(t, []string{"/a/one", "/a/three"}, got)
}

func mustCreate(n *Namespace, name string) error {
	_, err := n.Create(name, TypeChannel, 0o640, 0, 1, 1)
	return err
}
