package client_test

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quilt-run/quilt/pkg/client"
	"github.com/quilt-run/quilt/pkg/cmdexec"
	"github.com/quilt-run/quilt/pkg/network"
	"github.com/quilt-run/quilt/pkg/rpc"
	"github.com/quilt-run/quilt/pkg/storage"
	"github.com/quilt-run/quilt/pkg/syncengine"
	"github.com/quilt-run/quilt/pkg/types"
)

func startTestServer(t *testing.T) string {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "quilt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	netMgr := network.New(network.Config{Executor: cmdexec.New()})
	engine := syncengine.New(syncengine.Config{Store: store, Network: netMgr, RunDir: t.TempDir(), StaticShellPath: "/bin/sh"})

	server := rpc.NewServer(engine)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	return lis.Addr().String()
}

func TestCreateAndListContainers(t *testing.T) {
	addr := startTestServer(t)

	c, err := client.New(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	id, err := c.CreateContainer(types.ContainerSpec{
		Name:  "web",
		Image: "/tmp/does-not-exist.tar.gz",
		Argv:  []string{"/bin/true"},
	})
	// The image path doesn't exist, so CreateContainer rejects the
	// spec before inserting a row; the round trip through the rpc/client layer
	// itself is what's under test here, not a successful create.
	require.Error(t, err)
	require.Empty(t, id)

	containers, err := c.ListContainers()
	require.NoError(t, err)
	require.Empty(t, containers)
}
