package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/quilt-run/quilt/pkg/quilterrors"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	require.Equal(t, "proto", c.Name())

	req := &ContainerRequest{IDOrName: "web"}

	data, err := c.Marshal(req)
	require.NoError(t, err)

	var out ContainerRequest
	require.NoError(t, c.Unmarshal(data, &out))
	require.Equal(t, "web", out.IDOrName)
}

func TestToStatusMapsTaxonomy(t *testing.T) {
	cases := []struct {
		code quilterrors.Code
		want codes.Code
	}{
		{quilterrors.BadArgument, codes.InvalidArgument},
		{quilterrors.NotFound, codes.NotFound},
		{quilterrors.Conflict, codes.FailedPrecondition},
		{quilterrors.ResourceExhausted, codes.ResourceExhausted},
		{quilterrors.Runtime, codes.Unavailable},
		{quilterrors.Store, codes.Unavailable},
		{quilterrors.Internal, codes.Internal},
	}
	for _, tc := range cases {
		err := toStatus(quilterrors.New(tc.code, "boom"))
		require.Equal(t, tc.want, status.Code(err))
	}
}

func TestMethodName(t *testing.T) {
	require.Equal(t, "CreateContainer", methodName("/quilt.RPC/CreateContainer"))
}

func TestNewServerRegistersHealthService(t *testing.T) {
	s := NewServer(nil)
	require.NotNil(t, s.health)
	// MarkServing must not panic before any client has connected.
	s.MarkServing()
}
