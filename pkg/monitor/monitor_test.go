package monitor

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReapOrPollReapsChildExit(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())

	w := &watch{containerID: "c1", pid: cmd.Process.Pid, startedAt: time.Now()}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if code, exited := reapOrPoll(w); exited {
			require.Equal(t, 0, code)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("child process was never reaped")
}

func TestReapOrPollNonzeroExit(t *testing.T) {
	cmd := exec.Command("false")
	require.NoError(t, cmd.Start())

	w := &watch{containerID: "c2", pid: cmd.Process.Pid, startedAt: time.Now()}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if code, exited := reapOrPoll(w); exited {
			require.Equal(t, 1, code)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("child process was never reaped")
}

func TestWatchRegistrationAndUnwatch(t *testing.T) {
	m := New(nil)
	m.Watch("c1", 123)

	m.mu.Lock()
	_, ok := m.watches["c1"]
	m.mu.Unlock()
	require.True(t, ok)

	m.Unwatch("c1")

	m.mu.Lock()
	_, ok = m.watches["c1"]
	m.mu.Unlock()
	require.False(t, ok)
}
