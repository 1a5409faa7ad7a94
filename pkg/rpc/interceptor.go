package rpc

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/quilt-run/quilt/pkg/log"
	"github.com/quilt-run/quilt/pkg/metrics"
)

// MetricsInterceptor records RPCRequestsTotal/RPCRequestDuration per
// method and logs non-OK outcomes, the same shape as the teacher's
// ReadOnlyInterceptor: a func(ctx, req, info, handler) closure that
// inspects info.FullMethod before delegating to handler.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		method := methodName(info.FullMethod)
		timer := metrics.NewTimer()

		resp, err := handler(ctx, req)

		outcome := "ok"
		if err != nil {
			outcome = status.Code(err).String()
			log.WithComponent("rpc").Warn().Str("method", method).Err(err).Msg("rpc call failed")
		}
		timer.ObserveDurationVec(metrics.RPCRequestDuration, method)
		metrics.RPCRequestsTotal.WithLabelValues(method, outcome).Inc()

		return resp, err
	}
}

func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}
