package rpc

import (
	"github.com/quilt-run/quilt/pkg/network"
	"github.com/quilt-run/quilt/pkg/types"
)

// CreateContainerRequest carries a full container spec.
type CreateContainerRequest struct {
	Spec types.ContainerSpec `json:"spec"`
}

// CreateContainerResponse returns the generated container id.
type CreateContainerResponse struct {
	ID string `json:"id"`
}

// ContainerRequest names a container by id or name, the shape shared
// by every operation that acts on one existing container.
type ContainerRequest struct {
	IDOrName string `json:"id_or_name"`
}

// Empty carries no fields; used as the response for operations with
// nothing to report beyond success.
type Empty struct{}

// StopContainerRequest bounds how long StopContainer waits for SIGTERM
// before escalating to SIGKILL.
type StopContainerRequest struct {
	IDOrName      string `json:"id_or_name"`
	TimeoutSecond int64  `json:"timeout_seconds"`
}

// RemoveContainerRequest is ContainerRequest plus the force flag.
type RemoveContainerRequest struct {
	IDOrName string `json:"id_or_name"`
	Force    bool   `json:"force"`
}

// GetContainerStatusResponse wraps the store's status projection.
type GetContainerStatusResponse struct {
	Status types.ContainerStatus `json:"status"`
}

// ListContainersResponse wraps every container's status.
type ListContainersResponse struct {
	Containers []*types.ContainerStatus `json:"containers"`
}

// GetContainerLogsRequest bounds a log read to records newer than Since.
type GetContainerLogsRequest struct {
	IDOrName string `json:"id_or_name"`
	Since    int64  `json:"since"`
}

// GetContainerLogsResponse wraps the matched log records.
type GetContainerLogsResponse struct {
	Logs []*types.LogRecord `json:"logs"`
}

// ExecInContainerRequest runs Argv inside a running container's namespaces.
type ExecInContainerRequest struct {
	IDOrName      string   `json:"id_or_name"`
	Argv          []string `json:"argv"`
	TimeoutSecond int64    `json:"timeout_seconds"`
}

// ExecInContainerResponse wraps the exec outcome.
type ExecInContainerResponse struct {
	Result network.ExecResult `json:"result"`
}

// ICCPingRequest pings Target (an IP, container name, or short id)
// from inside IDOrName's network namespace.
type ICCPingRequest struct {
	IDOrName      string `json:"id_or_name"`
	Target        string `json:"target"`
	Count         int    `json:"count"`
	TimeoutSecond int64  `json:"timeout_seconds"`
}

// ICCPingResponse wraps the ping outcome.
type ICCPingResponse struct {
	Result network.PingResult `json:"result"`
}
