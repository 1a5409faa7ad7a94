package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quilt-run/quilt/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quilt.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateContainerAndGetStatus(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateContainer(types.ContainerSpec{
		Name:     "web",
		Image:    "/images/web.tar.gz",
		Argv:     []string{"/bin/sh", "-c", "echo hi"},
		Env:      map[string]string{"FOO": "bar"},
		MemoryMB: 128,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	status, err := s.GetStatus(id)
	require.NoError(t, err)
	require.Equal(t, types.ContainerStateCreated, status.State)
	require.Equal(t, "web", status.Spec.Name)
	require.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, status.Spec.Argv)

	byName, err := s.GetStatus("web")
	require.NoError(t, err)
	require.Equal(t, id, byName.ID)
}

func TestCreateContainerNameConflict(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CreateContainer(types.ContainerSpec{Name: "dup", Image: "x"})
	require.NoError(t, err)

	_, err = s.CreateContainer(types.ContainerSpec{Name: "dup", Image: "y"})
	require.Error(t, err)

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestTransitionStateCAS(t *testing.T) {
	s := openTestStore(t)
	id, err := s.CreateContainer(types.ContainerSpec{Image: "x"})
	require.NoError(t, err)

	err = s.TransitionState(id, []types.ContainerState{types.ContainerStateCreated}, types.ContainerStateStarting)
	require.NoError(t, err)

	err = s.TransitionState(id, []types.ContainerState{types.ContainerStateCreated}, types.ContainerStateStarting)
	require.Error(t, err)

	err = s.TransitionState(id, []types.ContainerState{types.ContainerStateStarting}, types.ContainerStateRunning)
	require.NoError(t, err)
}

func TestAllocateIPSkipsReservedAndUsed(t *testing.T) {
	s := openTestStore(t)
	id1, _ := s.CreateContainer(types.ContainerSpec{Image: "x"})
	id2, _ := s.CreateContainer(types.ContainerSpec{Image: "x"})

	ip1, err := s.AllocateIP(id1)
	require.NoError(t, err)
	require.Equal(t, "10.42.0.2", ip1)

	ip2, err := s.AllocateIP(id2)
	require.NoError(t, err)
	require.Equal(t, "10.42.0.3", ip2)
	require.NotEqual(t, ip1, ip2)
}

func TestEnqueueClaimFinishCleanupOrdering(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.CreateContainer(types.ContainerSpec{Image: "x"})

	_, err := s.EnqueueCleanup(id, types.CleanupResourceRootfs, "/tmp/quilt-containers/"+id)
	require.NoError(t, err)
	_, err = s.EnqueueCleanup(id, types.CleanupResourceNetwork, "veth0")
	require.NoError(t, err)

	task, err := s.ClaimNextCleanup()
	require.NoError(t, err)
	require.Equal(t, types.CleanupResourceNetwork, task.Resource)

	require.NoError(t, s.FinishCleanup(task.ID, true, ""))

	next, err := s.ClaimNextCleanup()
	require.NoError(t, err)
	require.Equal(t, types.CleanupResourceRootfs, next.Resource)
}

func TestFinishCleanupRetriesThenFails(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.CreateContainer(types.ContainerSpec{Image: "x"})
	taskID, err := s.EnqueueCleanup(id, types.CleanupResourceMounts, "/mnt")
	require.NoError(t, err)

	for i := 0; i < maxCleanupAttempts; i++ {
		task, err := s.ClaimNextCleanup()
		require.NoError(t, err)
		require.Equal(t, taskID, task.ID)
		require.NoError(t, s.FinishCleanup(task.ID, false, "device busy"))
	}

	tasks, err := s.ListCleanupByContainer(id)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, types.CleanupFailed, tasks[0].Status)
}

func TestAppendAndReadLogs(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.CreateContainer(types.ContainerSpec{Image: "x"})

	require.NoError(t, s.AppendLog(id, types.LogLevelInfo, "hello"))
	require.NoError(t, s.AppendLog(id, types.LogLevelInfo, "world"))

	logs, err := s.ReadLogs(id, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, "hello", logs[0].Text)

	tail, err := s.ReadLogs(id, logs[0].Seq)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, "world", tail[0].Text)
}

func TestRemoveContainerDeletesEverything(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.CreateContainer(types.ContainerSpec{Name: "gone", Image: "x"})
	_, err := s.AllocateIP(id)
	require.NoError(t, err)

	require.NoError(t, s.RemoveContainer(id))

	_, err = s.GetStatus(id)
	require.Error(t, err)
	_, err = s.GetAllocation(id)
	require.Error(t, err)
}

func TestListRunningForRestartReattach(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.CreateContainer(types.ContainerSpec{Image: "x"})
	require.NoError(t, s.TransitionState(id, []types.ContainerState{types.ContainerStateCreated}, types.ContainerStateStarting))
	require.NoError(t, s.TransitionState(id, []types.ContainerState{types.ContainerStateStarting}, types.ContainerStateRunning))

	running, err := s.ListRunning()
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, id, running[0].ID)
}
