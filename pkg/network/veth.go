package network

import (
	"context"
	"fmt"
	"time"

	"github.com/quilt-run/quilt/pkg/cmdexec"
	"github.com/quilt-run/quilt/pkg/quilterrors"
)

// vethNames derives deterministic, kernel-length-safe (max 15 byte)
// interface names from a container ID: the host-side end is prefixed
// vh, the namespace-side end vc, both truncated to the same short
// form the rest of the system uses for display.
func vethNames(containerID string) (host, guest string) {
	short := containerID
	if len(short) > 12 {
		short = short[:12]
	}
	return "vh" + short, "vc" + short
}

// AttachContainer creates a veth pair, plugs the host end into the
// bridge, and moves the peer into pid's network namespace, where it is
// renamed eth0, addressed, and brought up. EnsureBridge must have
// already run. Returns the host and container veth names so the
// caller can persist them via storage's SetVeth.
func (m *Manager) AttachContainer(ctx context.Context, containerID string, pid int, containerIP string) (hostVeth, containerVeth string, err error) {
	hostVeth, containerVeth = vethNames(containerID)

	if _, err := m.exec.Run(ctx, 0, []string{
		"ip", "link", "add", hostVeth, "type", "veth", "peer", "name", containerVeth,
	}, nil); err != nil {
		return "", "", quilterrors.Wrap(quilterrors.Runtime, "create veth pair", err)
	}

	if _, err := m.exec.Run(ctx, 0, []string{"ip", "link", "set", hostVeth, "master", m.bridge}, nil); err != nil {
		return "", "", quilterrors.Wrap(quilterrors.Runtime, "attach veth to bridge", err)
	}
	if _, err := m.exec.Run(ctx, 0, []string{"ip", "link", "set", hostVeth, "up"}, nil); err != nil {
		return "", "", quilterrors.Wrap(quilterrors.Runtime, "bring up host veth", err)
	}
	if _, err := m.exec.Run(ctx, 0, []string{"ip", "link", "set", hostVeth, "mtu", itoa(m.mtu)}, nil); err != nil {
		return "", "", quilterrors.Wrap(quilterrors.Runtime, "set host veth mtu", err)
	}

	if _, err := m.exec.Run(ctx, 0, []string{"ip", "link", "set", containerVeth, "netns", itoa(pid)}, nil); err != nil {
		return "", "", quilterrors.Wrap(quilterrors.Runtime, "move veth into container netns", err)
	}

	if err := m.configureInNamespace(ctx, pid, containerVeth, containerIP); err != nil {
		return "", "", err
	}

	return hostVeth, containerVeth, nil
}

// configureInNamespace renames the moved peer to eth0, assigns the
// allocated address, and brings up both it and loopback, as a single
// compound nsenter invocation rather than one round-trip per step —
// the peer only exists as "containerVeth" outside of pid's namespace,
// so every ip command here must run inside it.
func (m *Manager) configureInNamespace(ctx context.Context, pid int, containerVeth, containerIP string) error {
	script := fmt.Sprintf(
		"ip link set %s name eth0 && "+
			"ip addr add %s/16 dev eth0 && "+
			"ip link set lo up && "+
			"ip link set eth0 up && "+
			"ip route add default via %s dev eth0",
		containerVeth, containerIP, m.gatewayIP)

	ns := cmdexec.NamespaceTarget{PID: pid, Flags: []string{"-n"}}
	if _, err := m.exec.RunInNamespace(ctx, 0, ns, []string{"sh", "-c", script}, nil); err != nil {
		return quilterrors.Wrap(quilterrors.Runtime, "configure container network namespace", err)
	}
	return nil
}

// DetachContainer removes the host-side veth, which also destroys its
// peer; safe to call even if the container's namespace already exited
// (ip link del on a missing interface is treated as already-gone).
func (m *Manager) DetachContainer(ctx context.Context, containerID string) error {
	hostVeth, _ := vethNames(containerID)
	if _, err := m.exec.Run(ctx, 0, []string{"ip", "link", "del", hostVeth}, nil); err != nil {
		if m.interfaceMissing(ctx, hostVeth) {
			return nil
		}
		return quilterrors.Wrap(quilterrors.Runtime, "delete host veth", err)
	}
	return nil
}

func (m *Manager) interfaceMissing(ctx context.Context, name string) bool {
	_, err := m.exec.Run(ctx, 5*time.Second, []string{"ip", "link", "show", name}, nil)
	return err != nil
}
