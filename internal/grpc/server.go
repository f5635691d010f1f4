package grpc

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// LoggingInterceptor logs all gRPC requests
func LoggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)

		if err != nil {
			log.Error("gRPC request failed",
				zap.String("method", info.FullMethod),
				zap.Error(err),
			)
		} else {
			log.Info("gRPC request completed",
				zap.String("method", info.FullMethod),
			)
		}

		return resp, err
	}
}
