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

	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/observability"
)

// =============================================================================
// LOGGING INTERCEPTOR
// =============================================================================

// LoggingInterceptor logs the start, duration and result of each unary call.
func LoggingInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		logger.Debug("grpc_request_started", "method", info.FullMethod)

		resp, err := handler(ctx, req)

		logCompletion(logger, "grpc_request", info.FullMethod, time.Since(start), err)
		return resp, err
	}
}

// StreamLoggingInterceptor is LoggingInterceptor for streams.
func StreamLoggingInterceptor(logger logging.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		logger.Debug("grpc_stream_started",
			"method", info.FullMethod,
			"server_stream", info.IsServerStream,
		)

		err := handler(srv, ss)

		logCompletion(logger, "grpc_stream", info.FullMethod, time.Since(start), err)
		return err
	}
}

// logCompletion logs server-side failures as errors and client mistakes as
// warnings.
func logCompletion(logger logging.Logger, prefix, method string, d time.Duration, err error) {
	if err == nil {
		logger.Debug(prefix+"_completed", "method", method, "duration_ms", d.Milliseconds())
		return
	}
	st, _ := status.FromError(err)
	fields := []any{
		"method", method,
		"duration_ms", d.Milliseconds(),
		"code", st.Code().String(),
		"error", st.Message(),
	}
	switch st.Code() {
	case codes.Internal, codes.Unknown, codes.Unavailable, codes.DataLoss:
		logger.Error(prefix+"_failed", fields...)
	default:
		logger.Warn(prefix+"_failed", fields...)
	}
}

// =============================================================================
// RECOVERY INTERCEPTOR
// =============================================================================

// RecoveryHandler turns a recovered panic value into the call's error.
type RecoveryHandler func(p any) error

// DefaultRecoveryHandler returns an Internal error naming the panic.
func DefaultRecoveryHandler(p any) error {
	return status.Errorf(codes.Internal, "panic recovered: %v", p)
}

// RecoveryInterceptor recovers panics in unary handlers, logs the stack and
// returns handler's error.
func RecoveryInterceptor(logger logging.Logger, handler RecoveryHandler) grpc.UnaryServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("grpc_panic_recovered",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				)
				err = handler(p)
			}
		}()
		return next(ctx, req)
	}
}

// StreamRecoveryInterceptor is RecoveryInterceptor for streams.
func StreamRecoveryInterceptor(logger logging.Logger, handler RecoveryHandler) grpc.StreamServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) (err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("grpc_stream_panic_recovered",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				)
				err = handler(p)
			}
		}()
		return next(srv, ss)
	}
}

// =============================================================================
// METRICS INTERCEPTOR
// =============================================================================

// MetricsInterceptor records request count and latency per method and code.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return resp, err
	}
}

// StreamMetricsInterceptor is MetricsInterceptor for streams.
func StreamMetricsInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return err
	}
}

// =============================================================================
// SERVER OPTIONS
// =============================================================================

// ServerOptions returns the standard interceptor chain plus the
// OpenTelemetry stats handler. Recovery runs outermost so a panic in any
// later interceptor is still caught.
func ServerOptions(logger logging.Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(logger, nil),
			MetricsInterceptor(),
			LoggingInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor(logger, nil),
			StreamMetricsInterceptor(),
			StreamLoggingInterceptor(logger),
		),
	}
}
