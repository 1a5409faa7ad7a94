package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/quilt-run/quilt/pkg/quilterrors"
	"github.com/quilt-run/quilt/pkg/syncengine"
)

// RPCServer is the interface a quilt.RPC implementation must satisfy.
// Its method set and naming follow spec §6 one-to-one.
type RPCServer interface {
	CreateContainer(context.Context, *CreateContainerRequest) (*CreateContainerResponse, error)
	StartContainer(context.Context, *ContainerRequest) (*Empty, error)
	StopContainer(context.Context, *StopContainerRequest) (*Empty, error)
	KillContainer(context.Context, *ContainerRequest) (*Empty, error)
	RemoveContainer(context.Context, *RemoveContainerRequest) (*Empty, error)
	GetContainerStatus(context.Context, *ContainerRequest) (*GetContainerStatusResponse, error)
	ListContainers(context.Context, *Empty) (*ListContainersResponse, error)
	GetContainerLogs(context.Context, *GetContainerLogsRequest) (*GetContainerLogsResponse, error)
	ExecInContainer(context.Context, *ExecInContainerRequest) (*ExecInContainerResponse, error)
	ICCPing(context.Context, *ICCPingRequest) (*ICCPingResponse, error)
}

// Service implements RPCServer by delegating to a syncengine.Engine and
// translating its quilterrors.Code taxonomy into grpc status codes at
// the boundary, the one place spec §7's error taxonomy meets a wire
// protocol.
type Service struct {
	engine *syncengine.Engine
}

// NewService wraps engine as an RPCServer.
func NewService(engine *syncengine.Engine) *Service {
	return &Service{engine: engine}
}

func (s *Service) CreateContainer(ctx context.Context, req *CreateContainerRequest) (*CreateContainerResponse, error) {
	id, err := s.engine.CreateContainer(req.Spec)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CreateContainerResponse{ID: id}, nil
}

func (s *Service) StartContainer(ctx context.Context, req *ContainerRequest) (*Empty, error) {
	if err := s.engine.StartContainer(req.IDOrName); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) StopContainer(ctx context.Context, req *StopContainerRequest) (*Empty, error) {
	timeout := time.Duration(req.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := s.engine.StopContainer(req.IDOrName, timeout); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) KillContainer(ctx context.Context, req *ContainerRequest) (*Empty, error) {
	if err := s.engine.KillContainer(req.IDOrName); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) RemoveContainer(ctx context.Context, req *RemoveContainerRequest) (*Empty, error) {
	if err := s.engine.RemoveContainer(req.IDOrName, req.Force); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Service) GetContainerStatus(ctx context.Context, req *ContainerRequest) (*GetContainerStatusResponse, error) {
	st, err := s.engine.GetContainerStatus(req.IDOrName)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetContainerStatusResponse{Status: *st}, nil
}

func (s *Service) ListContainers(ctx context.Context, req *Empty) (*ListContainersResponse, error) {
	containers, err := s.engine.ListContainers()
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListContainersResponse{Containers: containers}, nil
}

func (s *Service) GetContainerLogs(ctx context.Context, req *GetContainerLogsRequest) (*GetContainerLogsResponse, error) {
	logs, err := s.engine.GetContainerLogs(req.IDOrName, req.Since)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetContainerLogsResponse{Logs: logs}, nil
}

func (s *Service) ExecInContainer(ctx context.Context, req *ExecInContainerRequest) (*ExecInContainerResponse, error) {
	timeout := time.Duration(req.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	result, err := s.engine.ExecInContainer(req.IDOrName, req.Argv, timeout)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ExecInContainerResponse{Result: result}, nil
}

func (s *Service) ICCPing(ctx context.Context, req *ICCPingRequest) (*ICCPingResponse, error) {
	timeout := time.Duration(req.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	count := req.Count
	if count <= 0 {
		count = 3
	}
	result, err := s.engine.ICCPing(req.IDOrName, req.Target, count, timeout)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ICCPingResponse{Result: result}, nil
}

// toStatus maps the spec §7 error taxonomy onto grpc's status codes.
func toStatus(err error) error {
	switch quilterrors.CodeOf(err) {
	case quilterrors.BadArgument:
		return status.Error(codes.InvalidArgument, err.Error())
	case quilterrors.NotFound:
		return status.Error(codes.NotFound, err.Error())
	case quilterrors.Conflict:
		return status.Error(codes.FailedPrecondition, err.Error())
	case quilterrors.ResourceExhausted:
		return status.Error(codes.ResourceExhausted, err.Error())
	case quilterrors.Runtime, quilterrors.Store:
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// serviceName is the path prefix every method is registered under,
// standing in for the package.Service name a .proto file would declare.
const serviceName = "quilt.RPC"

// ServiceDesc is the grpc.ServiceDesc protoc-gen-go-grpc would
// otherwise generate from a quilt.proto: one MethodDesc per RPCServer
// method, each decoding its request with the codec registered in
// codec.go before dispatching through the interceptor chain.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RPCServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateContainer", Handler: createContainerHandler},
		{MethodName: "StartContainer", Handler: startContainerHandler},
		{MethodName: "StopContainer", Handler: stopContainerHandler},
		{MethodName: "KillContainer", Handler: killContainerHandler},
		{MethodName: "RemoveContainer", Handler: removeContainerHandler},
		{MethodName: "GetContainerStatus", Handler: getContainerStatusHandler},
		{MethodName: "ListContainers", Handler: listContainersHandler},
		{MethodName: "GetContainerLogs", Handler: getContainerLogsHandler},
		{MethodName: "ExecInContainer", Handler: execInContainerHandler},
		{MethodName: "ICCPing", Handler: iccPingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "quilt/rpc.proto",
}

// RegisterRPCServer attaches srv to s under the service descriptor above.
func RegisterRPCServer(s *grpc.Server, srv RPCServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func createContainerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CreateContainerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).CreateContainer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CreateContainer"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RPCServer).CreateContainer(ctx, req.(*CreateContainerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func startContainerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ContainerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).StartContainer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/StartContainer"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RPCServer).StartContainer(ctx, req.(*ContainerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func stopContainerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StopContainerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).StopContainer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/StopContainer"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RPCServer).StopContainer(ctx, req.(*StopContainerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func killContainerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ContainerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).KillContainer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/KillContainer"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RPCServer).KillContainer(ctx, req.(*ContainerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func removeContainerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RemoveContainerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).RemoveContainer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RemoveContainer"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RPCServer).RemoveContainer(ctx, req.(*RemoveContainerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getContainerStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ContainerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).GetContainerStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetContainerStatus"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RPCServer).GetContainerStatus(ctx, req.(*ContainerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listContainersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).ListContainers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListContainers"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RPCServer).ListContainers(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getContainerLogsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetContainerLogsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).GetContainerLogs(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetContainerLogs"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RPCServer).GetContainerLogs(ctx, req.(*GetContainerLogsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func execInContainerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExecInContainerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).ExecInContainer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ExecInContainer"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RPCServer).ExecInContainer(ctx, req.(*ExecInContainerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func iccPingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ICCPingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RPCServer).ICCPing(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ICCPing"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RPCServer).ICCPing(ctx, req.(*ICCPingRequest))
	}
	return interceptor(ctx, in, info, handler)
}
