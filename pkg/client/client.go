// Package client is a thin Go wrapper around a quilt.RPC connection,
// grounded on the teacher's pkg/client.go: a Client struct owning a
// *grpc.ClientConn, one method per RPC, each opening its own bounded
// context. The teacher's mTLS certificate dance (GetCertDir,
// CertExists, connectWithMTLS, RequestCertificate) has no Quilt
// equivalent — a single-host daemon has no cluster to join or trust
// bootstrap to perform, so the connection here is plain insecure
// transport over a local TCP port or Unix socket.
package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/quilt-run/quilt/pkg/network"
	"github.com/quilt-run/quilt/pkg/rpc"
	"github.com/quilt-run/quilt/pkg/types"
)

const defaultTimeout = 10 * time.Second

// Client wraps a connection to one quilt daemon's RPC port.
type Client struct {
	conn *grpc.ClientConn
}

// New dials addr (e.g. "127.0.0.1:7777") with insecure transport
// credentials, matching the codec quilt's rpc.Server registers.
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/quilt.RPC/"+method, req, resp)
}

// CreateContainer creates a new container from spec and returns its id.
func (c *Client) CreateContainer(spec types.ContainerSpec) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	resp := new(rpc.CreateContainerResponse)
	if err := c.invoke(ctx, "CreateContainer", &rpc.CreateContainerRequest{Spec: spec}, resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartContainer starts a previously created container.
func (c *Client) StartContainer(idOrName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	return c.invoke(ctx, "StartContainer", &rpc.ContainerRequest{IDOrName: idOrName}, new(rpc.Empty))
}

// StopContainer sends SIGTERM, escalating to SIGKILL after timeout.
func (c *Client) StopContainer(idOrName string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout+defaultTimeout)
	defer cancel()
	req := &rpc.StopContainerRequest{IDOrName: idOrName, TimeoutSecond: int64(timeout.Seconds())}
	return c.invoke(ctx, "StopContainer", req, new(rpc.Empty))
}

// KillContainer sends SIGKILL immediately.
func (c *Client) KillContainer(idOrName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	return c.invoke(ctx, "KillContainer", &rpc.ContainerRequest{IDOrName: idOrName}, new(rpc.Empty))
}

// RemoveContainer deletes a container's record, optionally killing it first.
func (c *Client) RemoveContainer(idOrName string, force bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	req := &rpc.RemoveContainerRequest{IDOrName: idOrName, Force: force}
	return c.invoke(ctx, "RemoveContainer", req, new(rpc.Empty))
}

// GetContainerStatus returns one container's current status.
func (c *Client) GetContainerStatus(idOrName string) (*types.ContainerStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	resp := new(rpc.GetContainerStatusResponse)
	if err := c.invoke(ctx, "GetContainerStatus", &rpc.ContainerRequest{IDOrName: idOrName}, resp); err != nil {
		return nil, err
	}
	return &resp.Status, nil
}

// ListContainers returns every container's status.
func (c *Client) ListContainers() ([]*types.ContainerStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	resp := new(rpc.ListContainersResponse)
	if err := c.invoke(ctx, "ListContainers", new(rpc.Empty), resp); err != nil {
		return nil, err
	}
	return resp.Containers, nil
}

// GetContainerLogs returns log records newer than since.
func (c *Client) GetContainerLogs(idOrName string, since int64) ([]*types.LogRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	resp := new(rpc.GetContainerLogsResponse)
	req := &rpc.GetContainerLogsRequest{IDOrName: idOrName, Since: since}
	if err := c.invoke(ctx, "GetContainerLogs", req, resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// ExecInContainer runs argv inside a running container's namespaces.
func (c *Client) ExecInContainer(idOrName string, argv []string, timeout time.Duration) (network.ExecResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout+defaultTimeout)
	defer cancel()

	resp := new(rpc.ExecInContainerResponse)
	req := &rpc.ExecInContainerRequest{IDOrName: idOrName, Argv: argv, TimeoutSecond: int64(timeout.Seconds())}
	if err := c.invoke(ctx, "ExecInContainer", req, resp); err != nil {
		return network.ExecResult{}, err
	}
	return resp.Result, nil
}

// ICCPing pings target from inside idOrName's network namespace.
func (c *Client) ICCPing(idOrName, target string, count int, timeout time.Duration) (network.PingResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout+defaultTimeout)
	defer cancel()

	resp := new(rpc.ICCPingResponse)
	req := &rpc.ICCPingRequest{IDOrName: idOrName, Target: target, Count: count, TimeoutSecond: int64(timeout.Seconds())}
	if err := c.invoke(ctx, "ICCPing", req, resp); err != nil {
		return network.PingResult{}, err
	}
	return resp.Result, nil
}
