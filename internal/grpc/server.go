package grpc

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chatroom-service/internal/observability"
)

// WebSocketService is the health service name reported for the chat socket.
const WebSocketService = "chatroom.ws"

// NewServer builds the internal gRPC server exposing the standard health
// service. Both the overall and the websocket statuses start as SERVING.
func NewServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(WebSocketService, healthpb.HealthCheckResponse_SERVING)
	return srv, hs
}
