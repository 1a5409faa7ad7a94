package syncengine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quilt-run/quilt/pkg/cmdexec"
	"github.com/quilt-run/quilt/pkg/network"
	"github.com/quilt-run/quilt/pkg/quilterrors"
	"github.com/quilt-run/quilt/pkg/storage"
	"github.com/quilt-run/quilt/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "quilt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	net := network.New(network.Config{Executor: cmdexec.New()})
	return New(Config{
		Store:           store,
		Network:         net,
		RunDir:          t.TempDir(),
		StaticShellPath: "/bin/sh",
	})
}

func TestCreateContainerRejectsEmptyImage(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.CreateContainer(types.ContainerSpec{Argv: []string{"/bin/true"}})
	require.Error(t, err)
	require.Equal(t, quilterrors.BadArgument, quilterrors.CodeOf(err))
}

func TestCreateContainerRejectsEmptyArgvWithoutAsync(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.CreateContainer(types.ContainerSpec{Image: "/tmp/does-not-matter.tar.gz"})
	require.Error(t, err)
	require.Equal(t, quilterrors.BadArgument, quilterrors.CodeOf(err))
}

func TestStartContainerNotFound(t *testing.T) {
	e := newTestEngine(t)
	err := e.StartContainer("no-such-container")
	require.Error(t, err)
	require.Equal(t, quilterrors.NotFound, quilterrors.CodeOf(err))
}

func TestRemoveContainerRefusesRunningWithoutForce(t *testing.T) {
	e := newTestEngine(t)

	id, err := e.store.CreateContainer(types.ContainerSpec{Name: "web", Image: "/tmp/x.tar.gz", Argv: []string{"/bin/true"}})
	require.NoError(t, err)
	require.NoError(t, e.store.TransitionState(id, []types.ContainerState{types.ContainerStateCreated}, types.ContainerStateStarting))
	require.NoError(t, e.store.SetPID(id, 1))
	require.NoError(t, e.store.TransitionState(id, []types.ContainerState{types.ContainerStateStarting}, types.ContainerStateRunning))

	err = e.RemoveContainer(id, false)
	require.Error(t, err)
	require.Equal(t, quilterrors.Conflict, quilterrors.CodeOf(err))
}

func TestGetContainerLogsResolvesByName(t *testing.T) {
	e := newTestEngine(t)
	id, err := e.store.CreateContainer(types.ContainerSpec{Name: "web", Image: "/tmp/x.tar.gz", Argv: []string{"/bin/true"}})
	require.NoError(t, err)
	require.NoError(t, e.store.AppendLog(id, types.LogLevelInfo, "hello"))

	logs, err := e.GetContainerLogs("web", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "hello", logs[0].Text)
}
