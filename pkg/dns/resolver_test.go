package dns

import (
	"testing"

	"github.com/quilt-run/quilt/pkg/storage"
	"github.com/quilt-run/quilt/pkg/types"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(t.TempDir() + "/quilt.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestResolveByNameAndShortID(t *testing.T) {
	store := openTestStore(t)
	id, err := store.CreateContainer(types.ContainerSpec{
		Name:        "web",
		Image:       "/tmp/rootfs.tar.gz",
		NetworkMode: true,
	})
	require.NoError(t, err)

	_, err = store.AllocateIP(id)
	require.NoError(t, err)
	require.NoError(t, store.UpdateAllocationStatus(id, types.AllocationActive))

	r := NewResolver(store, "quilt")

	rrs, err := r.Resolve("web.")
	require.NoError(t, err)
	require.Len(t, rrs, 1)

	rrs, err = r.Resolve("web.quilt.")
	require.NoError(t, err)
	require.Len(t, rrs, 1)

	rrs, err = r.Resolve(id[:12] + ".")
	require.NoError(t, err)
	require.Len(t, rrs, 1)
}

func TestResolveUnknownNameFails(t *testing.T) {
	store := openTestStore(t)
	r := NewResolver(store, "quilt")

	_, err := r.Resolve("nonexistent.")
	require.Error(t, err)
}
