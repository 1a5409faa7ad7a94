// Package nsinit is the parent-side half of Quilt's container spawn:
// it clones a child into the requested Linux namespaces and hands it
// off through the readiness pipe described in spec §4.6. The pattern —
// re-exec the current binary with a hidden subcommand, pass a sync
// pipe as an extra file descriptor, and let the child pivot_root and
// block on that pipe until the parent says go — is lifted from
// libcontainer's namespaces/exec.go (Exec/DefaultCreateCommand):
// Cloneflags derived from a namespace set, ExtraFiles carrying the
// sync pipe, Pdeathsig so an orphaned child dies with its parent.
//
// ReexecArg is the argv[1] subcommand cmd/quiltd recognizes and
// dispatches to ChildMain before any normal server startup runs, the same
// "am I actually the re-exec'd init" check DefaultCreateCommand's
// caller performs by convention.
package nsinit

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/quilt-run/quilt/pkg/types"
)

// ReexecArg is passed as os.Args[1] to mark a re-exec'd child process.
const ReexecArg = "__nsinit_child__"

// configEnvKey carries the JSON-encoded Config to the child across
// exec; environment is the only channel available before the child's
// own argv takes over stdin/stdout/stderr.
const configEnvKey = "QUILT_NSINIT_CONFIG="

// readyByte is written to the pipe once cgroup enrollment and network
// setup are done; its value is never inspected, only its arrival.
const readyByte = 1

// Config describes one container spawn. It travels parent -> child as
// JSON in the environment.
type Config struct {
	ContainerID string
	RootfsPath  string
	Argv        []string
	Env         map[string]string
	Namespaces  map[types.NamespaceFlag]bool
}

// Handle is the parent's view of a spawned child: its PID and the
// write end of the readiness pipe.
type Handle struct {
	PID    int
	cmd    *exec.Cmd
	readyW *os.File
}

func namespaceFlags(ns map[types.NamespaceFlag]bool) uintptr {
	var flags uintptr
	mapping := map[types.NamespaceFlag]uintptr{
		types.NamespacePID:     unix.CLONE_NEWPID,
		types.NamespaceMount:   unix.CLONE_NEWNS,
		types.NamespaceUTS:     unix.CLONE_NEWUTS,
		types.NamespaceIPC:     unix.CLONE_NEWIPC,
		types.NamespaceNetwork: unix.CLONE_NEWNET,
	}
	for flag, enabled := range ns {
		if enabled {
			flags |= mapping[flag]
		}
	}
	return flags
}

// Spawn clones a child in cfg's requested namespaces. The child mounts
// its rootfs and blocks reading the readiness pipe; the caller must
// call Handle.SignalReady once cgroup enrollment and (if requested)
// network configuration complete, per the spec §4.6 protocol. Spawn
// itself returns as soon as the kernel hands back a PID.
func Spawn(cfg Config) (*Handle, error) {
	selfExe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("nsinit: resolve self executable: %w", err)
	}

	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("nsinit: create readiness pipe: %w", err)
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		readyR.Close()
		readyW.Close()
		return nil, fmt.Errorf("nsinit: marshal config: %w", err)
	}

	cmd := exec.Command(selfExe, ReexecArg)
	cmd.Env = append(os.Environ(), configEnvKey+string(payload))
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{readyR}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: namespaceFlags(cfg.Namespaces),
		Pdeathsig:  syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		readyR.Close()
		readyW.Close()
		return nil, fmt.Errorf("nsinit: start child: %w", err)
	}
	readyR.Close() // parent keeps only the write end

	return &Handle{PID: cmd.Process.Pid, cmd: cmd, readyW: readyW}, nil
}

// SignalReady writes the single byte that releases the child from its
// wait on the pipe, letting it exec the container's argv.
func (h *Handle) SignalReady() error {
	defer h.readyW.Close()
	_, err := h.readyW.Write([]byte{readyByte})
	if err != nil {
		return fmt.Errorf("nsinit: signal ready: %w", err)
	}
	return nil
}

// Abort closes the pipe without signaling, which unblocks the child's
// read with EOF; the child treats that as a setup failure and exits
// non-zero instead of exec'ing the workload.
func (h *Handle) Abort() {
	h.readyW.Close()
}

// NetNSReady polls for /proc/<pid>/ns/net becoming readable, the
// namespace-materialization check spec §4.6 requires before a
// container is marked running. It stats the path every 10ms until the
// path exists or timeout has elapsed.
func NetNSReady(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	path := fmt.Sprintf("/proc/%d/ns/net", pid)
	for {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}
