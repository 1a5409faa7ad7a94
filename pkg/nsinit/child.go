package nsinit

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/quilt-run/quilt/pkg/types"
)

// defaultArgv is substituted when a container's spec carries an empty
// argv under async-mode (I4): minimal images' `sleep` often rejects
// the literal "infinity", so this loops a large finite sleep instead.
var defaultArgv = []string{"/bin/sh", "-c", "while true; do sleep 2147483; done"}

// readyFD is the file descriptor number of the readiness pipe inside
// the child: stdin/stdout/stderr occupy 0-2, ExtraFiles starts at 3.
const readyFD = 3

// ChildMain is the entrypoint cmd/quiltd dispatches to when it
// detects os.Args[1] == ReexecArg. It never returns on success: the
// final step replaces the process image via syscall.Exec. On failure
// it prints to stderr (inherited from the parent) and exits 1, which
// the parent observes as Spawn's child dying before readiness.
func ChildMain() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "nsinit: %v\n", err)
		os.Exit(1)
	}

	if err := prepareRoot(cfg.RootfsPath, cfg.Namespaces); err != nil {
		fmt.Fprintf(os.Stderr, "nsinit: prepare root: %v\n", err)
		os.Exit(1)
	}

	if err := unix.Sethostname([]byte(shortHostname(cfg.ContainerID))); err != nil {
		fmt.Fprintf(os.Stderr, "nsinit: sethostname: %v\n", err)
		os.Exit(1)
	}

	if err := waitForReady(); err != nil {
		fmt.Fprintf(os.Stderr, "nsinit: wait for ready: %v\n", err)
		os.Exit(1)
	}

	argv := cfg.Argv
	if len(argv) == 0 {
		argv = defaultArgv
	}
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	if err := syscall.Exec(argv[0], argv, env); err != nil {
		fmt.Fprintf(os.Stderr, "nsinit: exec %v: %v\n", argv, err)
		os.Exit(1)
	}
}

func loadConfig() (*Config, error) {
	raw := os.Getenv(strings.TrimSuffix(configEnvKey, "="))
	if raw == "" {
		return nil, fmt.Errorf("missing %s", configEnvKey)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func shortHostname(containerID string) string {
	if i := strings.IndexByte(containerID, '-'); i > 0 {
		return containerID[:i]
	}
	if len(containerID) > 12 {
		return containerID[:12]
	}
	return containerID
}

// waitForReady blocks reading one byte from the pipe the parent holds
// open at fd 3, released once cgroup enrollment and network setup
// complete (spec §4.6 step 3-4).
func waitForReady() error {
	f := os.NewFile(uintptr(readyFD), "ready-pipe")
	defer f.Close()

	buf := make([]byte, 1)
	n, err := f.Read(buf)
	if err != nil {
		return fmt.Errorf("read readiness byte: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("short read on readiness pipe")
	}
	return nil
}

// prepareRoot mounts proc, sysfs, and /dev inside the new mount
// namespace (when requested) and pivots into rootfs, following the
// libcontainer pivot_root sequence: bind-mount rootfs onto itself so
// it qualifies as a mount point, pivot into it, drop the old root.
func prepareRoot(rootfs string, namespaces map[types.NamespaceFlag]bool) error {
	if !namespaces[types.NamespaceMount] {
		return nil
	}

	if err := unix.Mount(rootfs, rootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind-mount rootfs: %w", err)
	}

	if err := mountAt(rootfs, "proc", "/proc", "proc", 0); err != nil {
		return err
	}
	if err := mountAt(rootfs, "sysfs", "/sys", "sysfs", 0); err != nil {
		return err
	}
	if err := mountDev(rootfs); err != nil {
		return err
	}

	oldRoot := rootfs + "/.oldroot"
	if err := os.MkdirAll(oldRoot, 0700); err != nil {
		return fmt.Errorf("create oldroot: %w", err)
	}
	if err := unix.PivotRoot(rootfs, oldRoot); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to new root: %w", err)
	}
	if err := unix.Unmount("/.oldroot", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach oldroot: %w", err)
	}
	return os.RemoveAll("/.oldroot")
}

func mountAt(rootfs, source, target, fstype string, flags uintptr) error {
	full := rootfs + target
	if err := os.MkdirAll(full, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", target, err)
	}
	if err := unix.Mount(source, full, fstype, flags, ""); err != nil {
		return fmt.Errorf("mount %s: %w", target, err)
	}
	return nil
}

// mountDev tries a fresh devtmpfs first; many minimal rootfs images
// have no /dev entries at all, so a real devtmpfs gives working
// /dev/null, /dev/zero, /dev/tty out of the box. Falling back to a
// bind-mount of the host's /dev keeps older kernels working.
func mountDev(rootfs string) error {
	full := rootfs + "/dev"
	if err := os.MkdirAll(full, 0755); err != nil {
		return fmt.Errorf("mkdir /dev: %w", err)
	}
	if err := unix.Mount("devtmpfs", full, "devtmpfs", 0, ""); err == nil {
		return nil
	}
	if err := unix.Mount("/dev", full, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind-mount /dev: %w", err)
	}
	return nil
}
