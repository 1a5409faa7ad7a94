package types

import "time"

// ContainerState is the lifecycle state of a container. Transitions are
// restricted to created -> starting -> running -> exited, with any state
// able to move to error.
type ContainerState string

const (
	ContainerStateCreated  ContainerState = "created"
	ContainerStateStarting ContainerState = "starting"
	ContainerStateRunning  ContainerState = "running"
	ContainerStateExited   ContainerState = "exited"
	ContainerStateError    ContainerState = "error"
)

// NamespaceFlag names one of the Linux namespaces Quilt knows how to set
// up for a container. The vocabulary mirrors runtime-spec's namespace
// type names for familiarity without taking on OCI bundle compliance.
type NamespaceFlag string

const (
	NamespacePID     NamespaceFlag = "pid"
	NamespaceMount   NamespaceFlag = "mount"
	NamespaceUTS     NamespaceFlag = "uts"
	NamespaceIPC     NamespaceFlag = "ipc"
	NamespaceNetwork NamespaceFlag = "network"
)

// ContainerSpec is the immutable description of a container supplied at
// creation time. Every field the runtime consults is named here; unknown
// fields arriving over RPC are rejected at the boundary rather than
// silently ignored.
type ContainerSpec struct {
	Name        string
	Image       string // path to a prepared/preparable rootfs tarball
	Argv        []string
	Env         map[string]string
	MemoryMB    int64
	CPUPercent  int
	Namespaces  map[NamespaceFlag]bool
	AsyncMode   bool // argv may be empty only when this is set (I4)
	NetworkMode bool // whether a network allocation should be created
}

// Container is the full persisted row for a container, combining the
// immutable spec with its mutable lifecycle fields.
type Container struct {
	ID   string
	Spec ContainerSpec

	State    ContainerState
	PID      *int
	ExitCode *int

	RootfsPath string

	CreatedAt time.Time
	StartedAt time.Time
	ExitedAt  time.Time

	ErrorMessage string
}

// AllocationStatus is the lifecycle state of a network allocation.
type AllocationStatus string

const (
	AllocationAllocated      AllocationStatus = "allocated"
	AllocationActive         AllocationStatus = "active"
	AllocationCleanupPending AllocationStatus = "cleanup_pending"
	AllocationCleaned        AllocationStatus = "cleaned"
)

// NetworkAllocation is the Store's record of one container's IP and veth
// pair. Keyed by container id; at most one non-cleaned allocation may
// hold a given IP (I5).
type NetworkAllocation struct {
	ContainerID   string
	IP            string
	HostVeth      string
	ContainerVeth string
	Status        AllocationStatus
}

// MonitorStatus is the lifecycle state of a process monitor row.
type MonitorStatus string

const (
	MonitorStatusMonitoring MonitorStatus = "monitoring"
	MonitorStatusCompleted  MonitorStatus = "completed"
	MonitorStatusFailed     MonitorStatus = "failed"
)

// ProcessMonitor is the Store's record of the background watcher for one
// container's PID. At most one monitoring row exists per container (I7).
type ProcessMonitor struct {
	ContainerID   string
	PID           int
	Status        MonitorStatus
	LastHeartbeat time.Time
}

// CleanupResource names the kind of resource a cleanup task releases.
type CleanupResource string

const (
	CleanupResourceRootfs  CleanupResource = "rootfs"
	CleanupResourceNetwork CleanupResource = "network"
	CleanupResourceCgroup  CleanupResource = "cgroup"
	CleanupResourceMounts  CleanupResource = "mounts"
)

// CleanupStatus is the lifecycle state of one queued cleanup task.
type CleanupStatus string

const (
	CleanupPending    CleanupStatus = "pending"
	CleanupInProgress CleanupStatus = "in_progress"
	CleanupDone       CleanupStatus = "done"
	CleanupFailed     CleanupStatus = "failed"
)

// CleanupTask is one entry in the append-only cleanup queue. Tasks are
// idempotent: running the same task twice must converge to the same
// final state (P8).
type CleanupTask struct {
	ID          int64
	ContainerID string
	Resource    CleanupResource
	Path        string
	Status      CleanupStatus
	Attempts    int
	Error       string
}

// LogLevel is the severity of one container log record.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogRecord is one entry in a container's bounded log ring.
type LogRecord struct {
	ContainerID string
	Seq         int64
	Timestamp   time.Time
	Level       LogLevel
	Text        string
}

// ICCRegistration is the derived view the DNS responder consults to map
// a container's name and short id to its allocated IP.
type ICCRegistration struct {
	ContainerID string
	Name        string
	ShortID     string
	IP          string
}

// ContainerStatus is the read-only projection returned to RPC callers by
// GetContainerStatus/ListContainers: the container row joined with its
// network allocation.
type ContainerStatus struct {
	Container
	IP string
}

// ShortID returns the first 12 hex characters of the container id, used
// as the DNS short-name and as the suffix for veth interface names.
func (c *Container) ShortID() string {
	if len(c.ID) < 12 {
		return c.ID
	}
	return c.ID[:12]
}
