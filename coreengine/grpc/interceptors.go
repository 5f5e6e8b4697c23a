package grpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/envelope"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/observability"
)

// =============================================================================
// LOGGING INTERCEPTOR
// =============================================================================

// LoggingInterceptor logs the outcome of each call together with the
// identity of the envelope it carried. Caller mistakes (bad arguments,
// expired deadlines, cancellation) are logged at warn, the rest at error.
func LoggingInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		kv := append([]any{
			"method", info.FullMethod,
			"duration_ms", time.Since(start).Milliseconds(),
		}, envelopeFields(req)...)

		if err == nil {
			logger.Debug("grpc_request_completed", kv...)
			return resp, nil
		}

		code := status.Code(err)
		kv = append(kv, "code", code.String(), "error", err.Error())
		switch code {
		case codes.InvalidArgument, codes.DeadlineExceeded, codes.Canceled:
			logger.Warn("grpc_request_rejected", kv...)
		default:
			logger.Error("grpc_request_failed", kv...)
		}
		return resp, err
	}
}

// envelopeFields pulls message_id, action and run_id out of a request
// envelope for logging. Anything that is not an envelope Struct yields nothing.
func envelopeFields(req any) []any {
	s, ok := req.(*structpb.Struct)
	if !ok {
		return nil
	}
	fields := s.GetFields()
	var kv []any
	if id := fields["message_id"].GetStringValue(); id != "" {
		kv = append(kv, "message_id", id)
	}
	if action := fields["payload"].GetStructValue().GetFields()["action"].GetStringValue(); action != "" {
		kv = append(kv, "action", action)
	}
	if runID := fields["context"].GetStructValue().GetFields()[envelope.ContextKeyRunID].GetStringValue(); runID != "" {
		kv = append(kv, "run_id", runID)
	}
	return kv
}

// =============================================================================
// RECOVERY INTERCEPTOR
// =============================================================================

// RecoveryInterceptor converts a handler panic into an Internal status.
func RecoveryInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				kv := append([]any{
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				}, envelopeFields(req)...)
				logger.Error("grpc_panic_recovered", kv...)
				resp, err = nil, status.Errorf(codes.Internal, "panic recovered: %v", p)
			}
		}()
		return handler(ctx, req)
	}
}

// =============================================================================
// METRICS INTERCEPTOR
// =============================================================================

// MetricsInterceptor records every unary call in the gRPC request metrics,
// labelled by method and status code.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return resp, err
	}
}

// =============================================================================
// SERVER OPTIONS
// =============================================================================

// ServerOptions returns the stats handler and interceptor chain every stage
// host installs. Recovery is innermost, so a recovered panic is counted and
// logged like any other Internal failure.
func ServerOptions(logger Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			MetricsInterceptor(),
			LoggingInterceptor(logger),
			RecoveryInterceptor(logger),
		),
	}
}
