package rpc

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// nodeFault reports whether code blames this node rather than the caller.
// Those calls are logged at warn; the rest stay at debug.
func nodeFault(code codes.Code) bool {
	switch code {
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable:
		return true
	}
	return false
}

func logCall(ctx context.Context, logger *zap.Logger, kind, method string, start time.Time, err error) {
	code := status.Code(err)
	fields := []zap.Field{
		zap.String("kind", kind),
		zap.String("method", method),
		zap.Duration("duration", time.Since(start)),
		zap.Stringer("code", code),
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		fields = append(fields, zap.Stringer("peer", p.Addr))
	}
	if nodeFault(code) {
		logger.Warn("grpc call failed", append(fields, zap.Error(err))...)
		return
	}
	logger.Debug("grpc call", fields...)
}

// recoverCall must be deferred directly by the interceptor.
func recoverCall(logger *zap.Logger, method string, err *error) {
	if r := recover(); r != nil {
		logger.Error("grpc panic recovered",
			zap.String("method", method),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
		*err = status.Error(codes.Internal, "internal error")
	}
}

// LoggingUnaryInterceptor logs every unary call with its outcome.
func LoggingUnaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(ctx, logger, "unary", info.FullMethod, start, err)
		return resp, err
	}
}

// LoggingStreamInterceptor logs every stream once it ends.
func LoggingStreamInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(ss.Context(), logger, "stream", info.FullMethod, start, err)
		return err
	}
}

// RecoveryUnaryInterceptor turns a handler panic into codes.Internal.
func RecoveryUnaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer recoverCall(logger, info.FullMethod, &err)
		return handler(ctx, req)
	}
}

// RecoveryStreamInterceptor is the streaming counterpart of RecoveryUnaryInterceptor.
func RecoveryStreamInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer recoverCall(logger, info.FullMethod, &err)
		return handler(srv, ss)
	}
}
